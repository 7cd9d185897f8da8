// Command halo-modelgen writes a randomly initialised model artifact, for
// exercising halo-eval without a trained potential.
package main

import (
	"flag"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/dd0wney/gnn-halo/pkg/model"
)

func main() {
	out := flag.String("out", "model", "Output directory")
	species := flag.String("species", "Hf,O", "Comma-separated species names")
	width := flag.Int("width", 8, "Feature width")
	cutoffs := flag.String("cutoffs", "4.0,3.5", "Comma-separated per-layer cutoffs in Å")
	seed := flag.Int64("seed", 1, "Random seed")
	flag.Parse()

	rc, err := parseCutoffs(*cutoffs)
	if err != nil {
		log.Fatalf("Invalid -cutoffs: %v", err)
	}
	m := model.NewRandom(*seed, splitList(*species), *width, rc)
	if err := m.Validate(); err != nil {
		log.Fatalf("Invalid model: %v", err)
	}
	if err := model.Save(*out, m); err != nil {
		log.Fatalf("Failed to save model: %v", err)
	}

	fmt.Printf("Wrote %d-layer model to %s\n", m.NumLayers(), *out)
	fmt.Printf("  Species: %s\n", strings.Join(m.Species, ", "))
	fmt.Printf("  Hash:    %s\n", m.Hash)
}

func splitList(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func parseCutoffs(s string) ([]float64, error) {
	fields := splitList(s)
	if len(fields) == 0 {
		return nil, fmt.Errorf("no cutoffs")
	}
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
