package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"assetboard/internal/client"
)

func main() {
	server := flag.String("server", "http://localhost:8080", "asset board URL")
	name := flag.String("name", "", "asset name (required)")
	description := flag.String("description", "", "asset description")
	image := flag.String("image", "", "optional preview image")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: assetctl -name NAME [-description TEXT] [-image FILE] [-server URL] FILE\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *name == "" {
		fmt.Fprintln(os.Stderr, "Error: -name is required")
		flag.Usage()
		os.Exit(2)
	}

	assetPath, err := client.ParseAsset(flag.Args(), client.DefaultExtensions)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	imagePath, err := client.ParseImage(*image)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	res, err := client.New(*server).Upload(ctx, client.Upload{
		Name:        *name,
		Description: *description,
		AssetPath:   assetPath,
		ImagePath:   imagePath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error uploading: %v\n", err)
		os.Exit(1)
	}

	switch res.Outcome {
	case client.OutcomeSuccess:
		fmt.Printf("✓ %s\n", res.Message)
	case client.OutcomeWarning:
		fmt.Printf("! %s\n", res.Message)
		os.Exit(3)
	default:
		fmt.Fprintf(os.Stderr, "✗ %s (%s, HTTP %d)\n", res.Message, res.Outcome, res.StatusCode)
		os.Exit(1)
	}
}
