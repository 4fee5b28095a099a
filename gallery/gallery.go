// Package gallery - face galleries: known identities with reference
// embeddings, and the cosine matcher that resolves fresh embeddings
// against them.
package gallery

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"

	"github.com/nvr-ai/go-va/metadata"
)

// EmbeddingLen is the face feature vector length.
const EmbeddingLen = 256

// UnknownLabel is label id 0, reserved for faces no reference matched.
const UnknownLabel = "Unknown_Person"

// DefaultAngleThreshold accepts matches below this angle, in degrees.
const DefaultAngleThreshold = 70.0

type feature struct {
	labelID int
	vec     []float64
	norm    float64
}

// Gallery holds the reference embeddings and the shared label table. Label
// ids follow document order, starting at 1; 0 is the unknown identity.
type Gallery struct {
	log    *zap.Logger
	labels *metadata.LabelTable
	feats  []feature

	// AngleThreshold is the acceptance angle in degrees.
	AngleThreshold float64
}

// Labels returns the identity table, unknown first.
func (g *Gallery) Labels() *metadata.LabelTable { return g.labels }

// Load reads a gallery document: a JSON object mapping identity name to
// {"features": [paths]}, paths relative to the document's directory, each
// a raw little-endian float32 file of exactly EmbeddingLen values.
// Identity order in the document fixes label ids, so the object keys are
// decoded in stream order. An unreadable feature file is skipped with a
// warning; a short one is a configuration error.
func Load(path string, logger *zap.Logger) (*Gallery, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !strings.EqualFold(filepath.Ext(path), ".json") {
		return nil, errors.Errorf("gallery: %s is not a json file", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "gallery: read %s", path)
	}

	g := &Gallery{log: logger, AngleThreshold: DefaultAngleThreshold}
	labels := []string{UnknownLabel}
	dir := filepath.Dir(path)

	dec := json.NewDecoder(strings.NewReader(string(data)))
	tok, err := dec.Token()
	if err != nil {
		return nil, errors.Wrapf(err, "gallery: parse %s", path)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, errors.Errorf("gallery: %s: top level must be an object", path)
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, errors.Wrapf(err, "gallery: parse %s", path)
		}
		name, ok := tok.(string)
		if !ok {
			return nil, errors.Errorf("gallery: %s: unexpected token %v", path, tok)
		}
		var entry struct {
			Features []string `json:"features"`
		}
		if err := dec.Decode(&entry); err != nil {
			return nil, errors.Wrapf(err, "gallery: identity %q", name)
		}

		labelID := len(labels)
		labels = append(labels, name)

		for _, rel := range entry.Features {
			vec, err := readEmbedding(filepath.Join(dir, rel))
			if err != nil {
				if os.IsNotExist(errors.Cause(err)) {
					logger.Warn("gallery: feature file missing", zap.String("path", rel))
					continue
				}
				return nil, err
			}
			g.feats = append(g.feats, feature{
				labelID: labelID,
				vec:     vec,
				norm:    floats.Norm(vec, 2),
			})
		}
	}

	g.labels = metadata.NewLabelTable(labels)
	return g, nil
}

func readEmbedding(path string) ([]float64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "gallery: read feature %s", path)
	}
	if len(raw) < 4*EmbeddingLen {
		return nil, errors.Errorf("gallery: feature vector size mismatch: %s has %d bytes, want %d", path, len(raw), 4*EmbeddingLen)
	}
	vec := make([]float64, EmbeddingLen)
	for i := range vec {
		vec[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:])))
	}
	return vec, nil
}

// Match resolves an embedding to the closest reference by angular
// distance. References further than the acceptance angle never match;
// with no match the label is 0 and confidence clamps to zero.
func (g *Gallery) Match(embedding []float32) (labelID int, confidence float32) {
	vec := make([]float64, len(embedding))
	for i, v := range embedding {
		vec[i] = float64(v)
	}
	norm := floats.Norm(vec, 2)

	minAngle := 180.0
	for _, f := range g.feats {
		if len(f.vec) != len(vec) {
			continue
		}
		cos := floats.Dot(vec, f.vec) / (f.norm * norm)
		// keep acos in domain; exact matches must score 1.0
		if cos > 1 {
			cos = 1
		} else if cos < -1 {
			cos = -1
		}
		angle := math.Acos(cos) / math.Pi * 180.0
		if angle < g.AngleThreshold && angle < minAngle {
			labelID = f.labelID
			minAngle = angle
		}
	}

	conf := (90.0 - minAngle) / 90.0
	if conf < 0 {
		conf = 0
	}
	return labelID, float32(conf)
}

// Identify resolves every embedding classification in the list in place:
// the entry gets the matched label id, the face_id name, the match
// confidence and the gallery's label table.
func (g *Gallery) Identify(cls *metadata.ClassificationList) {
	if cls == nil {
		return
	}
	for _, c := range cls.Items {
		if c.Tensor == nil {
			continue
		}
		emb, ok := c.Tensor.Data().([]float32)
		if !ok || len(emb) != EmbeddingLen {
			continue
		}
		label, conf := g.Match(emb)
		c.Name = "face_id"
		c.LabelID = label
		c.Confidence = conf
		c.Labels = g.labels
		g.log.Debug("face identified",
			zap.Int("label_id", label),
			zap.String("name", g.labels.Label(label)),
			zap.Float32("confidence", conf))
	}
}
