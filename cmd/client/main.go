// cmd/client is the CLI entry-point built with Cobra, talking to a running
// node's REST surface (cmd/server) instead of the distributed KV store the
// original CLI drove.
//
// Usage:
//
//	yardctl site list                           --server http://localhost:8088
//	yardctl site add "My Site" --url https://…  --server http://localhost:8088
//	yardctl connect wss://signal.example.com/ws ROOM-A
//	yardctl peers
//	yardctl import <peerId> <siteId>
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/kholbekj/scrap-yard/internal/restclient"
	"github.com/kholbekj/scrap-yard/internal/types"
)

var (
	serverAddr string
	timeout    time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "yardctl",
		Short: "CLI client for a scrap-yard node",
	}

	root.PersistentFlags().StringVarP(&serverAddr, "server", "s",
		"http://localhost:8088", "Node REST address")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second,
		"HTTP request timeout")

	root.AddCommand(siteCmd(), connectCmd(), peersCmd(), importCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// ─── site ─────────────────────────────────────────────────────────────────

func siteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "site",
		Short: "Catalog commands",
	}
	cmd.AddCommand(siteListCmd(), siteMineCmd(), siteAvailableCmd(), siteGetCmd(),
		siteAddCmd(), siteUpdateCmd(), siteRemoveCmd(), siteAdoptCmd())
	return cmd
}

func siteListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every site known to this node, most recently updated first",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := restclient.New(serverAddr, timeout)
			sites, err := c.AllSites(context.Background())
			if err != nil {
				return err
			}
			sort.Slice(sites, func(i, j int) bool {
				return sites[i].UpdatedAt > sites[j].UpdatedAt
			})
			prettyPrint(sites)
			return nil
		},
	}
}

func siteMineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mine",
		Short: "List sites owned by this node",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := restclient.New(serverAddr, timeout)
			sites, err := c.MySites(context.Background())
			if err != nil {
				return err
			}
			prettyPrint(sites)
			return nil
		},
	}
}

func siteAvailableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "available",
		Short: "List non-empty sites owned by other nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := restclient.New(serverAddr, timeout)
			sites, err := c.AvailableSites(context.Background())
			if err != nil {
				return err
			}
			prettyPrint(sites)
			return nil
		},
	}
}

func siteGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Fetch a single site by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := restclient.New(serverAddr, timeout)
			site, err := c.GetSite(context.Background(), args[0])
			if err == restclient.ErrNotFound {
				fmt.Printf("site %q not found\n", args[0])
				return nil
			}
			if err != nil {
				return err
			}
			prettyPrint(site)
			return nil
		},
	}
}

func siteAddCmd() *cobra.Command {
	var description, url, thumbnail, contentHash string
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a new site owned by this node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := restclient.New(serverAddr, timeout)
			site, err := c.AddSite(context.Background(), types.SiteFields{
				Name:        args[0],
				Description: description,
				URL:         url,
				Thumbnail:   thumbnail,
				ContentHash: contentHash,
			})
			if err != nil {
				return err
			}
			prettyPrint(site)
			return nil
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "Site description")
	cmd.Flags().StringVar(&url, "url", "", "Origin URL this site was captured from")
	cmd.Flags().StringVar(&thumbnail, "thumbnail", "", "Thumbnail URL")
	cmd.Flags().StringVar(&contentHash, "content-hash", "", "Content hash of the captured file set")
	return cmd
}

func siteUpdateCmd() *cobra.Command {
	var name, description, url, thumbnail, contentHash string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Patch an existing site's columns",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch := types.SitePatch{}
			if cmd.Flags().Changed("name") {
				patch.Name = &name
			}
			if cmd.Flags().Changed("description") {
				patch.Description = &description
			}
			if cmd.Flags().Changed("url") {
				patch.URL = &url
			}
			if cmd.Flags().Changed("thumbnail") {
				patch.Thumbnail = &thumbnail
			}
			if cmd.Flags().Changed("content-hash") {
				patch.ContentHash = &contentHash
			}

			c := restclient.New(serverAddr, timeout)
			site, err := c.UpdateSite(context.Background(), args[0], patch)
			if err == restclient.ErrNotFound {
				fmt.Printf("site %q not found\n", args[0])
				return nil
			}
			if err != nil {
				return err
			}
			prettyPrint(site)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "New name")
	cmd.Flags().StringVar(&description, "description", "", "New description")
	cmd.Flags().StringVar(&url, "url", "", "New origin URL")
	cmd.Flags().StringVar(&thumbnail, "thumbnail", "", "New thumbnail URL")
	cmd.Flags().StringVar(&contentHash, "content-hash", "", "New content hash")
	return cmd
}

func siteRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Tombstone a site",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := restclient.New(serverAddr, timeout)
			if err := c.RemoveSite(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Printf("removed %q\n", args[0])
			return nil
		},
	}
}

func siteAdoptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "adopt <id>",
		Short: "Copy a foreign site's metadata and cached files into a row owned by this node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := restclient.New(serverAddr, timeout)
			site, err := c.AdoptSite(context.Background(), args[0])
			if err != nil {
				return err
			}
			prettyPrint(site)
			return nil
		},
	}
}

// ─── connect / peers / import ─────────────────────────────────────────────

func connectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect <signalingUrl> <token>",
		Short: "Join a room by dialing a signaling server",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := restclient.New(serverAddr, timeout)
			if err := c.Connect(context.Background(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Println("connected")
			return nil
		},
	}
}

func peersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "peers",
		Short: "List this node's peers whose data channel is open",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := restclient.New(serverAddr, timeout)
			peers, err := c.Peers(context.Background())
			if err != nil {
				return err
			}
			prettyPrint(peers)
			return nil
		},
	}
}

func importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <peerId> <siteId>",
		Short: "Import a site's files from a connected peer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := restclient.New(serverAddr, timeout)
			if err := c.ImportSite(context.Background(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Println("import started")
			return nil
		},
	}
}

// ─── helpers ──────────────────────────────────────────────────────────────

func prettyPrint(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(data))
}
