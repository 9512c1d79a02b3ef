package licence

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/altia/nlserv/internal/log"
)

// Loader reads signed licence files from a folder and yields the
// verified set. Files that fail to parse or verify are logged and
// skipped; they are never admitted.
type Loader struct {
	Folder   string
	Verifier *Verifier
}

// Load enumerates *.nls1 files in the folder, parses and verifies each,
// and returns the admitted licences. A directory read failure aborts
// the whole load.
func (ld *Loader) Load() ([]*Licence, error) {
	logger := log.WithComponent("loader")

	entries, err := os.ReadDir(ld.Folder)
	if err != nil {
		return nil, fmt.Errorf("read licence folder %s: %w", ld.Folder, err)
	}

	var licences []*Licence
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), FileExtension) {
			continue
		}
		path := filepath.Join(ld.Folder, entry.Name())
		lic, err := ld.loadFile(path)
		if err != nil {
			logger.Error().
				Err(err).
				Str("event", "licence.rejected").
				Str("file", entry.Name()).
				Msg("licence not verified")
			continue
		}
		logger.Debug().
			Str("event", "licence.verified").
			Str("file", entry.Name()).
			Str("product", lic.Product).
			Int64("timestamp", lic.TimeStamp).
			Msg("licence verified")
		licences = append(licences, lic)
	}
	return licences, nil
}

func (ld *Loader) loadFile(path string) (*Licence, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	defer func() { _ = f.Close() }()

	doc, err := ParseDocument(f)
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if !ld.Verifier.Verify(doc) {
		return nil, fmt.Errorf("signature verification failed")
	}
	return FromDocument(doc)
}
