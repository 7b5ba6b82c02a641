package retriever

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/hybridsearch/internal/store"
	"github.com/seanblong/hybridsearch/pkg/models"
)

// DefaultLexicalFloor suppresses trigram matches that are mostly noise.
const DefaultLexicalFloor = 0.3

// Lexical ranks chunks by trigram similarity between the query and the
// chunk's normalised source or display name.
type Lexical struct {
	corpus store.Corpus
	floor  float64
	logger zerolog.Logger
}

// NewLexical creates the lexical branch. floor <= 0 uses DefaultLexicalFloor.
func NewLexical(corpus store.Corpus, floor float64) *Lexical {
	if floor <= 0 {
		floor = DefaultLexicalFloor
	}
	return &Lexical{
		corpus: corpus,
		floor:  floor,
		logger: log.With().Str("branch", string(models.BranchLexical)).Logger(),
	}
}

func (l *Lexical) Branch() models.Branch { return models.BranchLexical }

func (l *Lexical) Search(ctx context.Context, req Request) ([]models.RankedHit, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" || req.Limit <= 0 {
		return []models.RankedHit{}, nil
	}

	matches, err := l.corpus.LexicalSearch(ctx, text, store.LexicalOpts{
		Filter:   store.FilterFrom(req.Filters),
		MinScore: l.floor,
		Limit:    req.Limit,
	})
	if err != nil {
		return nil, storeError("lexical index", err)
	}

	items := make([]scored, 0, len(matches))
	length := make(map[string]int, len(matches))
	for _, m := range matches {
		if m.Similarity < l.floor {
			continue
		}
		items = append(items, scored{id: m.ID, score: m.Similarity})
		length[m.ID] = m.SourceLength
	}
	hits := rank(items, req.Limit, func(a, b scored) bool {
		if a.score != b.score {
			return a.score > b.score
		}
		if length[a.id] != length[b.id] {
			return length[a.id] < length[b.id]
		}
		return a.id < b.id
	})
	l.logger.Debug().Int("hits", len(hits)).Msg("lexical search complete")
	return hits, nil
}

func (l *Lexical) Ping(ctx context.Context) error {
	return l.corpus.Ping(ctx)
}
