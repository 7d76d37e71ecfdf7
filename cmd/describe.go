package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"lenslate/pkg/action"
	"lenslate/pkg/config"
	"lenslate/pkg/media"
	"lenslate/pkg/provider"
	providertypes "lenslate/pkg/provider/types"

	"github.com/spf13/cobra"
)

var describeAction string

var describeCmd = &cobra.Command{
	Use:   "describe <image>",
	Short: "Run one action on one image file and print the result",
	Long:  "Loads lenslate configuration, connects to the configured provider, and applies one action to a local image.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		actionID, err := action.Parse(describeAction)
		if err != nil {
			return fmt.Errorf("%w (want one of %s)", err, actionNames())
		}

		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		request, err := readImageRequest(args[0], actionID, cfg.Dispatch.MaxImageBytes)
		if err != nil {
			return err
		}

		client, err := provider.New(cfg)
		if err != nil {
			return fmt.Errorf("initialize provider: %w", err)
		}

		timeout := time.Duration(cfg.AI.RequestTimeoutSeconds) * time.Second
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		result, err := client.Describe(ctx, request)
		if err != nil {
			return fmt.Errorf("describe image: %w", err)
		}

		printResult(cmd, result.Text)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(describeCmd)
	describeCmd.Flags().StringVarP(&describeAction, "action", "a", string(action.Transcribe), "action to run: "+actionNames())
}

func readImageRequest(path string, actionID action.ID, maxBytes int64) (providertypes.ImageRequest, error) {
	mediaType, err := media.Parse(media.FromFileName(path))
	if err != nil {
		return providertypes.ImageRequest{}, fmt.Errorf("%w: %s (supported: %s)", err, path, media.Describe())
	}

	instruction, err := action.Instruction(actionID)
	if err != nil {
		return providertypes.ImageRequest{}, err
	}

	file, err := os.Open(path)
	if err != nil {
		return providertypes.ImageRequest{}, fmt.Errorf("open image: %w", err)
	}
	defer file.Close()

	data, err := media.ReadLimited(file, maxBytes)
	if err != nil {
		return providertypes.ImageRequest{}, fmt.Errorf("read image: %w", err)
	}
	if len(data) == 0 {
		return providertypes.ImageRequest{}, errors.New("image file is empty")
	}

	return providertypes.ImageRequest{
		Instruction: instruction,
		Image:       data,
		MediaType:   string(mediaType),
	}, nil
}

func printResult(cmd *cobra.Command, text string) {
	for _, line := range resultLines(text) {
		cmd.Println(line)
	}
}

func resultLines(text string) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}

	return strings.Split(trimmed, "\n")
}

func actionNames() string {
	options := action.Options()
	names := make([]string, 0, len(options))
	for _, option := range options {
		names = append(names, string(option.ID))
	}

	return strings.Join(names, ", ")
}
