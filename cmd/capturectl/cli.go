package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/docutag/capture/app"
	"github.com/docutag/capture/cache"
	"github.com/docutag/capture/models"
	"github.com/docutag/capture/store"
)

// newCLIApp creates the CLI application with all commands.
func newCLIApp(a *app.App) *cli.App {
	cliApp := &cli.App{
		Name:    "capturectl",
		Usage:   "Capture URLs and inspect the enrichment pipeline",
		Version: Version,
		Commands: []*cli.Command{
			resolveCmd(a),
			addCmd(a),
			listCmd(a),
			retryCmd(a),
			editCmd(a),
			deleteCmd(a),
			cacheCmd(a),
			bucketsCmd(a),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	cliApp.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return cliApp
}

// resolveCmd runs the resolution chain for a URL without storing anything.
func resolveCmd(a *app.App) *cli.Command {
	return &cli.Command{
		Name:      "resolve",
		Usage:     "Resolve title and preview image for a URL",
		ArgsUsage: "<url>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("exactly one url is required", 1)
			}
			result, err := a.Resolver.Resolve(c.Context, c.Args().First())
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c, result)
		},
	}
}

// addCmd captures a URL into a bucket, creating the bucket if needed.
func addCmd(a *app.App) *cli.Command {
	return &cli.Command{
		Name:      "add",
		Usage:     "Capture a URL into a bucket and wait for enrichment",
		ArgsUsage: "<url>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "bucket", Aliases: []string{"b"}, Value: "Inbox", Usage: "Bucket name, slug or ID"},
			&cli.BoolFlag{Name: "no-wait", Usage: "Return as soon as the item is created"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("exactly one url is required", 1)
			}

			bucket, err := findOrCreateBucket(a, c.String("bucket"))
			if err != nil {
				return outputError(err)
			}

			item, err := a.Orch.Capture(c.Context, bucket.ID, c.Args().First())
			if err != nil {
				return outputError(err)
			}
			if c.Bool("no-wait") {
				return outputJSON(c, item)
			}

			a.Orch.Wait()
			item, err = a.Store.Get(item.ID)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c, item)
		},
	}
}

// listCmd lists items, newest first.
func listCmd(a *app.App) *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List captured items",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "bucket", Aliases: []string{"b"}, Usage: "Only items of this bucket"},
			&cli.StringFlag{Name: "status", Aliases: []string{"s"}, Usage: "Only items in this state: idle|pending|done|failed"},
		},
		Action: func(c *cli.Context) error {
			bucketID := ""
			if ref := c.String("bucket"); ref != "" {
				bucket, err := a.Store.FindBucket(ref)
				if err != nil {
					return outputError(err)
				}
				bucketID = bucket.ID
			}

			items := []models.CaptureItem{}
			for _, item := range a.Store.List(bucketID) {
				if status := c.String("status"); status != "" && string(item.MetaStatus) != status {
					continue
				}
				items = append(items, item)
			}
			return outputJSON(c, items)
		},
	}
}

// retryCmd manually re-triggers enrichment.
func retryCmd(a *app.App) *cli.Command {
	return &cli.Command{
		Name:      "retry",
		Usage:     "Re-run enrichment for an item, or for every failed item",
		ArgsUsage: "[id]",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "failed", Usage: "Retry every failed item"},
		},
		Action: func(c *cli.Context) error {
			if c.Bool("failed") {
				n, err := a.Orch.RetryFailed(c.Context)
				if err != nil {
					return outputError(err)
				}
				a.Orch.Wait()
				return outputJSON(c, map[string]int{"retried": n})
			}

			if c.NArg() != 1 {
				return cli.Exit("an item id or --failed is required", 1)
			}
			item, err := a.Orch.Retry(c.Context, c.Args().First())
			if err != nil {
				return outputError(err)
			}
			a.Orch.Wait()
			if item, err = a.Store.Get(item.ID); err != nil {
				return outputError(err)
			}
			return outputJSON(c, item)
		},
	}
}

// editCmd sets a user title or image.
func editCmd(a *app.App) *cli.Command {
	return &cli.Command{
		Name:      "edit",
		Usage:     "Set the title or image of an item; enrichment never overwrites it again",
		ArgsUsage: "<id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "title", Aliases: []string{"t"}, Usage: "New title"},
			&cli.StringFlag{Name: "image", Aliases: []string{"i"}, Usage: "New image URL"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("exactly one item id is required", 1)
			}
			if !c.IsSet("title") && !c.IsSet("image") {
				return cli.Exit("--title or --image is required", 1)
			}

			id := c.Args().First()
			var (
				item models.CaptureItem
				err  error
			)
			if c.IsSet("title") {
				if item, err = a.Orch.EditTitle(id, c.String("title")); err != nil {
					return outputError(err)
				}
			}
			if c.IsSet("image") {
				if item, err = a.Orch.EditImage(id, c.String("image")); err != nil {
					return outputError(err)
				}
			}
			return outputJSON(c, item)
		},
	}
}

// deleteCmd removes an item.
func deleteCmd(a *app.App) *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Usage:     "Delete an item",
		ArgsUsage: "<id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("exactly one item id is required", 1)
			}
			id := c.Args().First()
			if err := a.Orch.Delete(c.Context, id); err != nil {
				return outputError(err)
			}
			return outputJSON(c, map[string]string{"deleted": id})
		},
	}
}

// cacheCmd inspects and clears the enrichment cache.
func cacheCmd(a *app.App) *cli.Command {
	return &cli.Command{
		Name:  "cache",
		Usage: "Inspect or clear the enrichment cache",
		Subcommands: []*cli.Command{
			{
				Name:      "get",
				Usage:     "Show the cached result for a URL",
				ArgsUsage: "<url>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return cli.Exit("exactly one url is required", 1)
					}
					target := c.Args().First()
					entry, ok := a.Cache.Get(target)
					if !ok {
						return cli.Exit(fmt.Sprintf("no cache entry for %s", target), 1)
					}
					return outputJSON(c, map[string]interface{}{
						"key":   cache.Key(target),
						"entry": entry,
					})
				},
			},
			{
				Name:      "clear",
				Usage:     "Remove one URL's entry, or every entry",
				ArgsUsage: "[url]",
				Action: func(c *cli.Context) error {
					var err error
					if c.NArg() > 0 {
						err = a.Cache.Delete(c.Context, c.Args().First())
					} else {
						err = a.Cache.Clear(c.Context)
					}
					if err != nil {
						return outputError(err)
					}
					return outputJSON(c, map[string]int{"entries": a.Cache.Len()})
				},
			},
		},
	}
}

// bucketsCmd lists and creates buckets.
func bucketsCmd(a *app.App) *cli.Command {
	return &cli.Command{
		Name:  "buckets",
		Usage: "List buckets",
		Action: func(c *cli.Context) error {
			return outputJSON(c, a.Store.Buckets())
		},
		Subcommands: []*cli.Command{
			{
				Name:      "create",
				Usage:     "Create a bucket",
				ArgsUsage: "<name>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return cli.Exit("exactly one bucket name is required", 1)
					}
					bucket, err := a.Store.CreateBucket(c.Args().First())
					if err != nil {
						return outputError(err)
					}
					return outputJSON(c, bucket)
				},
			},
		},
	}
}

// findOrCreateBucket resolves a bucket reference, creating a bucket with
// that name when none matches.
func findOrCreateBucket(a *app.App, ref string) (models.Bucket, error) {
	bucket, err := a.Store.FindBucket(ref)
	if err == nil {
		return bucket, nil
	}
	if !errors.Is(err, store.ErrBucketNotFound) {
		return models.Bucket{}, err
	}
	return a.Store.CreateBucket(ref)
}

// outputJSON writes v as indented JSON.
func outputJSON(c *cli.Context, v any) error {
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError formats error for CLI.
func outputError(err error) error {
	return cli.Exit(err.Error(), 1)
}
