package modelproc

import (
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-va/metadata"
)

// LoadLabelFile reads a label file: a single line of comma-separated class
// names. Surrounding whitespace per token is trimmed; empty tokens are
// dropped.
func LoadLabelFile(path string) (*metadata.LabelTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "modelproc: read labels %s", path)
	}
	var labels []string
	for _, tok := range strings.Split(strings.TrimRight(string(data), "\r\n"), ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		labels = append(labels, tok)
	}
	if len(labels) == 0 {
		return nil, errors.Errorf("modelproc: no labels in %s", path)
	}
	return metadata.NewLabelTable(labels), nil
}
