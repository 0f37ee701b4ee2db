package main

import (
	"encoding/json"
	"flag"
	"os"

	"github.com/briancaffey/nvidia-nim-kit/internal/logutil"
	"github.com/briancaffey/nvidia-nim-kit/internal/nimctl"
)

func main() {
	out := flag.String("out", "nimctl.schema.json", "where to write the schema")
	flag.Parse()

	log := logutil.New("schema-generator")
	data, err := json.MarshalIndent(nimctl.ConfigSchema(), "", "  ")
	if err != nil {
		log.WithError(err).Fatal("Error marshaling schema")
	}
	if err := os.WriteFile(*out, data, 0o644); err != nil {
		log.WithError(err).Fatal("Error writing schema file")
	}
	log.WithField("path", *out).Info("Generated nimctl config schema")
}
