package mapping

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/hasko/adocheck/internal/adoit"
	"github.com/hasko/adocheck/internal/config"
	adoerrors "github.com/hasko/adocheck/internal/errors"
	"github.com/hasko/adocheck/internal/graph"
	"github.com/hasko/adocheck/internal/slogutil"
	"github.com/hasko/adocheck/internal/storage"
)

const (
	nameAttr         = "A_NAME"
	maxTargetClasses = 10
	doNotUseMarker   = "(do not use)"
)

// EntitySource is the cached read surface discovery and path details use.
type EntitySource interface {
	GetEntity(ctx context.Context, id string) (*storage.EntityRecord, error)
	Search(ctx context.Context, filters []adoit.Filter) ([]adoit.Entity, error)
}

// Entity identifies a source or target in results.
type Entity struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"`
}

// Discoverer resolves configured names and patterns into concrete targets,
// relationship types and sources.
type Discoverer struct {
	entities EntitySource
	meta     adoit.MetamodelPort
	logger   *slog.Logger
}

// NewDiscoverer returns a discoverer reading through entities and meta.
func NewDiscoverer(entities EntitySource, meta adoit.MetamodelPort, logger *slog.Logger) *Discoverer {
	if logger == nil {
		logger = slogutil.NewDiscardLogger()
	}
	return &Discoverer{entities: entities, meta: meta, logger: logger}
}

// Targets resolves the target set: explicit ids when given, otherwise a
// name search across target-like classes. An empty result is
// TARGETS_NOT_FOUND.
func (d *Discoverer) Targets(ctx context.Context, cfg config.MappingConfig) ([]Entity, error) {
	var (
		targets []Entity
		err     error
	)
	if len(cfg.TargetIDs) > 0 {
		targets, err = d.entitiesByID(ctx, cfg.TargetIDs, "target")
	} else {
		targets, err = d.targetsByName(ctx, cfg.TargetNames, cfg.TargetClassKeywords)
	}
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		searched := cfg.TargetIDs
		if len(searched) == 0 {
			searched = cfg.TargetNames
		}
		return nil, adoerrors.New(adoerrors.TargetsNotFound, "no target entities found").
			WithDetails(map[string]interface{}{"searched": searched})
	}
	d.logger.Info("targets resolved", "count", len(targets))
	return targets, nil
}

func (d *Discoverer) entitiesByID(ctx context.Context, ids []string, role string) ([]Entity, error) {
	var out []Entity
	for _, id := range ids {
		rec, err := d.entities.GetEntity(ctx, adoit.NormalizeID(id))
		if err != nil {
			if adoerrors.IsFatal(err) || ctx.Err() != nil {
				return nil, err
			}
			d.logger.Error("entity not available", "role", role, "entity_id", id, "error", err)
			continue
		}
		d.logger.Info(role, "entity_id", rec.ID, "name", rec.Name, "type", rec.Type)
		out = append(out, Entity{ID: rec.ID, Name: rec.Name, Type: rec.Type})
	}
	return out, nil
}

func (d *Discoverer) targetsByName(ctx context.Context, names, keywords []string) ([]Entity, error) {
	classes, err := d.meta.Classes(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		d.logger.Error("metamodel classes unavailable", "error", err)
		return nil, nil
	}
	candidates := matchClasses(classes, keywords)
	d.logger.Info("target classes", "count", len(candidates))

	var out []Entity
	for _, name := range names {
		e, err := d.findByName(ctx, name, candidates)
		if err != nil {
			return nil, err
		}
		if e == nil {
			d.logger.Warn("target not found", "name", name)
			continue
		}
		d.logger.Info("target", "entity_id", e.ID, "name", e.Name, "type", e.Type)
		out = append(out, *e)
	}
	return out, nil
}

// matchClasses keeps the first maxTargetClasses classes whose metaName
// contains one of keywords.
func matchClasses(classes []adoit.MetaName, keywords []string) []string {
	var out []string
	for _, c := range classes {
		upper := strings.ToUpper(c.MetaName)
		for _, k := range keywords {
			if k != "" && strings.Contains(upper, strings.ToUpper(k)) {
				out = append(out, c.MetaName)
				break
			}
		}
		if len(out) == maxTargetClasses {
			break
		}
	}
	return out
}

// findByName looks for an exact, usable name match in each class, trying
// OP_EQ before OP_LIKE.
func (d *Discoverer) findByName(ctx context.Context, name string, classes []string) (*Entity, error) {
	for _, class := range classes {
		for _, op := range []string{adoit.OpEquals, adoit.OpLike} {
			items, err := d.entities.Search(ctx, []adoit.Filter{
				adoit.ClassFilter(class),
				adoit.AttrFilter(nameAttr, op, name),
			})
			if err != nil {
				if ctx.Err() != nil {
					return nil, err
				}
				d.logger.Debug("name search failed", "class", class, "op", op, "error", err)
				continue
			}
			for _, it := range items {
				if it.Name == name && !strings.Contains(strings.ToLower(it.Name), doNotUseMarker) {
					return &Entity{ID: it.ID, Name: it.Name, Type: it.Type}, nil
				}
			}
		}
	}
	return nil, nil
}

// RelationshipTypes builds the traversal whitelist. Explicit types win;
// otherwise metamodel relation classes matching a pattern by metaName or
// display name are used. When the metamodel is unavailable the patterns
// are applied to raw relationship types instead.
func (d *Discoverer) RelationshipTypes(ctx context.Context, types, patterns []string) (*graph.Whitelist, error) {
	if len(types) > 0 {
		d.logger.Info("using configured relationship types", "types", types)
		return graph.NewWhitelist(types, nil), nil
	}
	if len(patterns) == 0 {
		return graph.NewWhitelist(nil, nil), nil
	}

	relations, err := d.meta.RelationClasses(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		d.logger.Warn("metamodel relations unavailable, matching patterns against raw types", "error", err)
		return graph.NewWhitelist(nil, patterns), nil
	}

	var matched []string
	for _, rel := range relations {
		meta := strings.ToLower(rel.MetaName)
		label := rel.Label()
		for _, p := range patterns {
			p = strings.ToLower(p)
			if strings.Contains(meta, p) || strings.Contains(label, p) {
				matched = append(matched, rel.MetaName)
				break
			}
		}
	}
	sort.Strings(matched)
	d.logger.Info("relationship types discovered", "count", len(matched))
	if len(matched) == 0 {
		d.logger.Warn("no relation class matched, matching patterns against raw types")
		return graph.NewWhitelist(nil, patterns), nil
	}
	return graph.NewWhitelist(matched, nil), nil
}

// Sources resolves the batch to map: explicit ids, or every object of the
// source class whose named attribute equals the configured value. If the
// attribute cannot be found in the class definition, the class alone is
// used.
func (d *Discoverer) Sources(ctx context.Context, cfg config.MappingConfig) ([]Entity, error) {
	if len(cfg.SourceIDs) > 0 {
		return d.entitiesByID(ctx, cfg.SourceIDs, "source")
	}

	filters := []adoit.Filter{adoit.ClassFilter(cfg.SourceClass)}
	if cfg.SourceAttribute != "" && cfg.SourceValue != "" {
		attr, err := d.attributeName(ctx, cfg.SourceClass, cfg.SourceAttribute)
		if err != nil {
			return nil, err
		}
		if attr == "" {
			d.logger.Warn("source attribute not found, using class only",
				"class", cfg.SourceClass, "attribute", cfg.SourceAttribute)
		} else {
			d.logger.Info("source attribute", "display_name", cfg.SourceAttribute, "meta_name", attr)
			filters = append(filters, adoit.AttrFilter(attr, adoit.OpEquals, cfg.SourceValue))
		}
	}

	items, err := d.entities.Search(ctx, filters)
	if err != nil {
		return nil, err
	}
	out := make([]Entity, 0, len(items))
	for _, it := range items {
		out = append(out, Entity{ID: it.ID, Name: it.Name, Type: it.Type})
	}
	d.logger.Info("sources resolved", "count", len(out), "class", cfg.SourceClass)
	if len(out) == 0 {
		d.logger.Warn("no source entities matched", "class", cfg.SourceClass, "value", cfg.SourceValue)
	}
	return out, nil
}

// attributeName maps an attribute display name to its metaName within
// class. It returns "" when either cannot be found.
func (d *Discoverer) attributeName(ctx context.Context, class, display string) (string, error) {
	classes, err := d.meta.Classes(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return "", err
		}
		d.logger.Warn("metamodel classes unavailable", "error", err)
		return "", nil
	}
	var classID string
	for _, c := range classes {
		if c.MetaName == class {
			classID = c.ID
			break
		}
	}
	if classID == "" {
		d.logger.Warn("class not in metamodel", "class", class)
		return "", nil
	}

	attrs, err := d.meta.ClassAttributes(ctx, classID)
	if err != nil {
		if ctx.Err() != nil {
			return "", err
		}
		d.logger.Warn("class attributes unavailable", "class", class, "error", err)
		return "", nil
	}
	want := strings.ToLower(display)
	for _, a := range attrs {
		if a.Label() == want || strings.EqualFold(a.MetaName, display) {
			return a.MetaName, nil
		}
	}
	return "", nil
}
