package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/lemonade-sdk/lemonade/pkg/catalog"
	"github.com/lemonade-sdk/lemonade/pkg/config"
)

func newPullCmd() *cobra.Command {
	flags := &clientFlags{}
	var checkpoint, recipe, mmproj string
	var reasoning, vision, embedding, reranking bool
	c := &cobra.Command{
		Use:   "pull MODEL",
		Short: "Download a model, optionally registering it first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			var labels []string
			for label, set := range map[string]bool{
				"reasoning": reasoning,
				"vision":    vision,
				"embedding": embedding,
				"reranking": reranking,
			} {
				if set {
					labels = append(labels, label)
				}
			}

			if checkpoint != "" {
				if err := registerModel(name, checkpoint, recipe, mmproj, labels); err != nil {
					return err
				}
				if filepath.IsAbs(checkpoint) {
					// Local files were copied into the cache; nothing to pull.
					cmd.Printf("Registered %s from %s\n", name, checkpoint)
					return nil
				}
			}
			return pullModel(cmd.Context(), flags, name, cmd.OutOrStdout())
		},
	}
	flags.register(c)
	c.Flags().StringVar(&checkpoint, "checkpoint", "", "Checkpoint (org/repo[:variant] or an absolute local path)")
	c.Flags().StringVar(&recipe, "recipe", "", "Recipe for the registered model (mandatory for local paths)")
	c.Flags().StringVar(&mmproj, "mmproj", "", "Companion mmproj file for vision models")
	c.Flags().BoolVar(&reasoning, "reasoning", false, "Label the model as a reasoning model")
	c.Flags().BoolVar(&vision, "vision", false, "Label the model as a vision model")
	c.Flags().BoolVar(&embedding, "embedding", false, "Label the model as an embeddings model")
	c.Flags().BoolVar(&reranking, "reranking", false, "Label the model as a reranking model")
	return c
}

// registerModel writes the user-model entry. Absolute local checkpoints are
// copied into the cache first and require an explicit recipe; remote hub
// checkpoints default to llamacpp.
func registerModel(name, checkpoint, recipe, mmproj string, labels []string) error {
	if !strings.HasPrefix(name, catalog.UserPrefix) {
		return errors.Errorf("registered model names must start with %q", catalog.UserPrefix)
	}
	if recipe == "" {
		if filepath.IsAbs(checkpoint) {
			return errors.New("--recipe is required when the checkpoint is a local file")
		}
		recipe = "llamacpp"
	}

	entry := catalog.UserModel{
		Checkpoint: checkpoint,
		Recipe:     recipe,
		Labels:     labels,
		MMProj:     mmproj,
	}
	if filepath.IsAbs(checkpoint) {
		dest, err := copyIntoCache(name, checkpoint)
		if err != nil {
			return err
		}
		entry.Checkpoint = dest
		entry.Source = catalog.SourceUpload
		if mmproj != "" {
			if !filepath.IsAbs(mmproj) {
				return errors.New("--mmproj must be an absolute path when the checkpoint is a local file")
			}
			destProj, err := copyIntoCache(name, mmproj)
			if err != nil {
				return err
			}
			entry.MMProj = destProj
		}
	}

	cat, _ := localCatalog()
	return cat.RegisterUser(name, entry)
}

// copyIntoCache places an uploaded file under the gateway cache so it
// survives deletion of the original.
func copyIntoCache(model, src string) (string, error) {
	dir := filepath.Join(config.CacheDir(), "uploads", model)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	dest := filepath.Join(dir, filepath.Base(src))

	in, err := os.Open(src)
	if err != nil {
		return "", errors.Wrap(err, "unable to open local checkpoint")
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return "", errors.Wrap(err, "unable to copy checkpoint into cache")
	}
	return dest, nil
}

// pullModel downloads via a running gateway when one answers, falling back to
// a direct local download.
func pullModel(ctx context.Context, flags *clientFlags, name string, out io.Writer) error {
	client := flags.client()
	if _, err := client.Health(ctx); err == nil {
		return client.Pull(ctx, name, out)
	}

	cat, _ := localCatalog()
	progress := func(file string, fileIndex, totalFiles int, bytesDownloaded, bytesTotal int64) bool {
		percent := 0.0
		if bytesTotal > 0 {
			percent = 100 * float64(bytesDownloaded) / float64(bytesTotal)
		}
		fmt.Fprintf(out, "\r%s (%d/%d) %.1f%%", file, fileIndex+1, totalFiles, percent)
		return ctx.Err() == nil
	}
	if err := cat.Download(ctx, name, false, progress); err != nil {
		fmt.Fprintln(out)
		return err
	}
	fmt.Fprintf(out, "\nDownloaded %s\n", name)
	return nil
}
