package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"quest/internal/bootstrap"
	"quest/internal/domain"
)

func newTagsCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "tags",
		Short: "List your tags",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.withPopup(cmd, func(ctx context.Context, p *bootstrap.Popup) error {
				tags, err := p.Controller.LoadTags(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(tags) == 0 {
					_, _ = fmt.Fprintln(out, "No tags")
					return nil
				}
				for _, tag := range tags {
					_, _ = fmt.Fprintf(out, "%s\t%s\n", tag.ID, tag.Name)
				}
				return nil
			})
		},
	}
}

func newSaveCmd(app *app) *cobra.Command {
	var (
		page    domain.PageInfo
		note    string
		tags    []string
		withMic bool
	)

	cmd := &cobra.Command{
		Use:   "save",
		Short: "Save the current page with a note and tags",
		Long:  "save stores a page in your collection. Without --url the page attached to the background hub is used.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.withPopup(cmd, func(ctx context.Context, p *bootstrap.Popup) error {
				c := p.Controller
				if page.URL != "" {
					current := c.View().Page
					if page.Title == "" && current.URL == page.URL {
						page.Title = current.Title
					}
					c.SetPage(page)
				}
				if note != "" {
					c.SetNote(note)
				}
				if len(tags) > 0 {
					if _, err := c.LoadTags(ctx); err != nil {
						return err
					}
					seen := make(map[string]bool, len(tags))
					for _, ref := range tags {
						key := strings.ToLower(strings.TrimSpace(ref))
						if seen[key] {
							continue
						}
						seen[key] = true
						if err := c.ToggleTag(strings.TrimSpace(ref)); err != nil {
							return err
						}
					}
				}
				if withMic {
					if err := dictate(ctx, cmd, c); err != nil {
						return err
					}
				}

				saved, err := c.SaveInsight(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				_, _ = fmt.Fprintf(out, "insight: %s\n", saved.ID)
				if link := c.View().MySpace; link != "" {
					_, _ = fmt.Fprintf(out, "view it at %s\n", link)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&page.URL, "url", "", "page URL (defaults to the attached page)")
	cmd.Flags().StringVar(&page.Title, "title", "", "page title")
	cmd.Flags().StringVar(&note, "note", "", "your thought about the page")
	cmd.Flags().StringArrayVar(&tags, "tag", nil, "tag id or name, repeatable")
	cmd.Flags().BoolVar(&withMic, "dictate", false, "dictate the note through the microphone before saving")

	return cmd
}
