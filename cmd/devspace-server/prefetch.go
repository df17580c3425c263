package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/AjaxZhan/devspace/internal/runtime"
)

var prefetchCmd = &cobra.Command{
	Use:   "prefetch",
	Short: "Pull every allow-listed sandbox image",
	RunE:  runPrefetch,
}

func runPrefetch(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	rt, err := createRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	puller, ok := rt.(runtime.Puller)
	if !ok {
		return fmt.Errorf("runtime %s does not pull images", rt.Name())
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	images := cfg.Sandbox.AllowedImages()
	if len(images) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no images configured")
		return nil
	}
	for _, image := range images {
		if err := pull(ctx, puller, image); err != nil {
			return err
		}
	}
	return nil
}

func pull(ctx context.Context, p runtime.Puller, image string) error {
	bar := progressbar.Default(-1, "Pulling "+image)
	err := p.Pull(ctx, image, func() { _ = bar.Add(1) })
	_ = bar.Finish()
	return err
}
