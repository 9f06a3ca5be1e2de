// Package specdecode loads and validates the batch input document.
package specdecode

import (
	"fmt"
	"os"

	json "github.com/goccy/go-json"
	"github.com/go-playground/validator/v10"

	"github.com/gwgundersen/ir/internal/spec"
)

var validate = validator.New()

// Decode reads and parses the batch spec file at path. A malformed JSON
// document or a struct that fails validation is a fatal, whole-batch error
// (there is no proc to attribute it to yet) — it is the one case spec.md
// allows to abort the runner itself (§6 "bad spec file").
func Decode(path string) (spec.Batch, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return spec.Batch{}, fmt.Errorf("reading spec file: %w", err)
	}

	var batch spec.Batch
	if err := json.Unmarshal(raw, &batch); err != nil {
		return spec.Batch{}, fmt.Errorf("parsing spec file: %w", err)
	}

	if err := validate.Struct(batch); err != nil {
		return spec.Batch{}, fmt.Errorf("invalid spec file: %w", err)
	}

	return batch, nil
}
