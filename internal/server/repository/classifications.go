package repository

import (
	"context"

	"github.com/systemshift/omrs/internal/server/graph"
	"github.com/systemshift/omrs/internal/server/subscriptions"
	"github.com/systemshift/omrs/pkg/omrs"
)

func classificationError(format string, args ...any) error {
	return omrs.Errorf(omrs.KindClassificationError, "OMRS-REPO-400-020", format, args...)
}

// classificationType resolves a classification TypeDef by name and checks
// it may be attached to entities of type it.
func (r *Repository) classificationType(name string, it omrs.InstanceType) (*omrs.TypeDef, error) {
	if name == "" {
		return nil, omrs.Errorf(omrs.KindInvalidParameter, "OMRS-REPO-400-002", "no classification name supplied")
	}
	td, ok := r.types.TypeDefByName(name)
	if !ok || td.Category != omrs.CategoryClassificationDef {
		return nil, classificationError("%s is not a known classification", name)
	}
	if !r.types.ClassificationValidFor(td, it) {
		return nil, classificationError("classification %s is not valid for entities of type %s", name, it.TypeDefName)
	}
	return td, nil
}

// newClassification builds a classification homed here for entity.
func (r *Repository) newClassification(userID string, entity *omrs.EntityDetail, nc omrs.NewClassification) (omrs.Classification, error) {
	td, err := r.classificationType(nc.Name, entity.Type)
	if err != nil {
		return omrs.Classification{}, err
	}
	if _, _, ok := entity.Classification(nc.Name); ok {
		return omrs.Classification{}, classificationError("entity %s is already classified as %s", entity.GUID, nc.Name)
	}
	props, err := r.types.ValidateProperties(td, nc.Properties, true)
	if err != nil {
		return omrs.Classification{}, err
	}

	header := r.newHeader(userID, r.types.InstanceType(td), omrs.StatusActive, nc.ExternalSourceGUID, nc.ExternalSourceName)
	header.GUID = ""
	origin := nc.Origin
	if origin == "" {
		origin = omrs.OriginAssigned
	}
	return omrs.Classification{
		InstanceHeader:           header,
		Name:                     td.Name,
		Properties:               props,
		ClassificationOrigin:     origin,
		ClassificationOriginGUID: nc.OriginGUID,
	}, nil
}

// ClassifyEntity attaches a new classification to an entity.
func (r *Repository) ClassifyEntity(ctx context.Context, userID, guid string, nc omrs.NewClassification) (*omrs.EntityDetail, error) {
	event := &subscriptions.Event{Type: subscriptions.EventEntityClassified}
	entity, err := r.changeEntity(ctx, userID, guid, "classify entity", event,
		func(e *omrs.EntityDetail, _ *omrs.TypeDef) error {
			c, err := r.newClassification(userID, e, nc)
			if err != nil {
				return err
			}
			e.Classifications = append(e.Classifications, c)
			event.Classification = &c
			return nil
		})
	if err != nil {
		return nil, err
	}
	r.logger.Debug("classified entity", "guid", guid, "classification", nc.Name, "user", userID)
	return entity, nil
}

// DeclassifyEntity removes a classification homed here from an entity.
func (r *Repository) DeclassifyEntity(ctx context.Context, userID, guid, name string) (*omrs.EntityDetail, error) {
	return r.changeEntity(ctx, userID, guid, "declassify entity", &subscriptions.Event{Type: subscriptions.EventEntityDeclassified},
		func(e *omrs.EntityDetail, _ *omrs.TypeDef) error {
			c, i, ok := e.Classification(name)
			if !ok {
				return classificationError("entity %s is not classified as %s", guid, name)
			}
			if err := r.checkHome(&c.InstanceHeader, "declassify entity"); err != nil {
				return err
			}
			e.Classifications = append(e.Classifications[:i:i], e.Classifications[i+1:]...)
			return nil
		})
}

// UpdateEntityClassification merges props into a classification of an
// entity.
func (r *Repository) UpdateEntityClassification(ctx context.Context, userID, guid, name string, props *omrs.InstanceProperties) (*omrs.EntityDetail, error) {
	return r.changeEntity(ctx, userID, guid, "update entity classification", &subscriptions.Event{Type: subscriptions.EventEntityReclassified},
		func(e *omrs.EntityDetail, _ *omrs.TypeDef) error {
			c, i, ok := e.Classification(name)
			if !ok {
				return classificationError("entity %s is not classified as %s", guid, name)
			}
			if err := r.checkHome(&c.InstanceHeader, "update entity classification"); err != nil {
				return err
			}
			td, ok := r.types.TypeDef(c.Type.TypeDefGUID)
			if !ok {
				return classificationError("classification type %s is no longer known", c.Type.TypeDefName)
			}
			updates, err := r.types.ValidateProperties(td, props, false)
			if err != nil {
				return err
			}
			c.Properties = c.Properties.Merge(updates)
			stamp(&c.InstanceHeader, userID)
			e.Classifications[i] = c
			return nil
		})
}

// GetHomeClassifications returns the classifications of an entity or proxy
// that are homed in this repository.
func (r *Repository) GetHomeClassifications(ctx context.Context, userID, guid string) ([]omrs.Classification, error) {
	if err := checkUser(userID); err != nil {
		return nil, err
	}
	if err := checkGUID(guid, "entity guid"); err != nil {
		return nil, err
	}
	rec, err := r.entityRecord(ctx, guid)
	if err != nil {
		return nil, err
	}
	if err := r.authorize(ctx, userID, "read entity", rec.Header()); err != nil {
		return nil, err
	}

	var all []omrs.Classification
	if rec.Kind == graph.KindProxy {
		all = rec.Proxy.Classifications
	} else {
		all = rec.Entity.Classifications
	}
	out := []omrs.Classification{}
	for _, c := range all {
		if r.isHome(&c.InstanceHeader) {
			out = append(out, c)
		}
	}
	return out, nil
}
