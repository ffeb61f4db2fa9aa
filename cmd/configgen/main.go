package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/danmuck/c3sync/internal/auth"
	"github.com/danmuck/c3sync/internal/config"
)

func main() {
	output := flag.String("output", "c3syncd.toml", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "c3syncd.toml", "config path for -validate and -print")
	show := flag.Bool("print", false, "print the effective config with defaults applied")
	hashToken := flag.Bool("hash-token", false, "read an API token from stdin and print its bcrypt hash")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	switch {
	case *hashToken:
		token, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && token == "" {
			log.Fatalf("read token: %v", err)
		}
		hash, err := auth.HashToken(strings.TrimSpace(token))
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("token_hash = %q\n", hash)
	case *validate, *show:
		cfg, err := config.Load(*input)
		if err != nil {
			log.Fatal(err)
		}
		if *show {
			body, err := config.Render(cfg)
			if err != nil {
				log.Fatal(err)
			}
			_, _ = os.Stdout.Write(body)
			return
		}
		log.Printf("Validated config at %s (%d panels)", *input, len(cfg.Panels))
	default:
		if err := config.WriteTemplate(*output, *force); err != nil {
			log.Fatal(err)
		}
		log.Printf("Wrote config template to %s", *output)
	}
}
