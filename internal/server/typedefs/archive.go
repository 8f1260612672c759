package typedefs

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"io"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/systemshift/omrs/pkg/omrs"
)

//go:embed archives/base.yaml
var baseArchive []byte

// Archive is a bundle of type definitions loaded at startup.
type Archive struct {
	Name              string                   `yaml:"name"`
	AttributeTypeDefs []*omrs.AttributeTypeDef `yaml:"attributeTypeDefs"`
	TypeDefs          []*omrs.TypeDef          `yaml:"typeDefs"`
}

// LoadBaseArchive loads the archive compiled into the server.
func (r *Registry) LoadBaseArchive(ctx context.Context, userID string) (int, error) {
	return r.LoadArchive(ctx, userID, bytes.NewReader(baseArchive))
}

// LoadArchive adds the definitions of a YAML archive and returns how many
// were new. Definitions already registered are skipped. TypeDefs may appear
// in any order; the ones whose references are missing are retried until no
// more can be added.
func (r *Registry) LoadArchive(ctx context.Context, userID string, in io.Reader) (int, error) {
	var archive Archive
	if err := yaml.NewDecoder(in).Decode(&archive); err != nil {
		return 0, omrs.Errorf(omrs.KindInvalidParameter, "OMRS-TYPES-400-040",
			"type archive cannot be parsed: %s", err.Error()).WithCause(err)
	}

	var result *multierror.Error
	added := 0
	for _, atd := range archive.AttributeTypeDefs {
		err := r.AddAttributeTypeDef(ctx, userID, atd)
		switch {
		case err == nil:
			added++
		case omrs.IsKind(err, omrs.KindTypeDefKnown):
		default:
			result = multierror.Append(result, err)
		}
	}

	pending := archive.TypeDefs
	for len(pending) > 0 {
		var retry []*omrs.TypeDef
		var failures []error
		for _, td := range pending {
			err := r.AddTypeDef(ctx, userID, td)
			switch {
			case err == nil:
				added++
			case omrs.IsKind(err, omrs.KindTypeDefKnown):
			case omrs.IsKind(err, omrs.KindInvalidTypeDef):
				retry = append(retry, td)
				failures = append(failures, err)
			default:
				result = multierror.Append(result, err)
			}
		}
		if len(retry) == len(pending) {
			result = multierror.Append(result, failures...)
			break
		}
		pending = retry
	}

	r.logger.Info("loaded type archive", "archive", archive.Name, "added", added)
	if err := result.ErrorOrNil(); err != nil {
		return added, fmt.Errorf("archive %s: %w", archive.Name, err)
	}
	return added, nil
}
