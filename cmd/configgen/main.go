package main

import (
	"flag"
	"log"
	"path/filepath"

	"github.com/danmuck/edgegate/internal/config"
)

func main() {
	kind := flag.String("kind", "gateway", "template kind: gateway|nodes")
	output := flag.String("output", "", "output path for the template")
	validate := flag.Bool("validate", false, "validate an existing gateway config file")
	input := flag.String("input", "cmd/gatewayd/config.toml", "config path for validation")
	force := flag.Bool("force", false, "overwrite an existing file")
	flag.Parse()

	if *validate {
		if _, err := config.Load(*input); err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated gateway config at %s", *input)
		return
	}

	k, err := config.ParseTemplateKind(*kind)
	if err != nil {
		log.Fatal(err)
	}
	target := *output
	if target == "" {
		switch k {
		case config.TemplateNodes:
			target = filepath.Join("cmd", "gatewayd", "nodes.json")
		default:
			target = filepath.Join("cmd", "gatewayd", "config.toml")
		}
	}
	if err := config.WriteTemplate(target, k, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s template to %s", k, target)
}
