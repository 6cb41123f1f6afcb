// Package catalog resolves display labels for taxonomy and address ids.
package catalog

import (
	"context"

	"bidline/internal/config"
)

const (
	KindService  = "service"
	KindCategory = "category"
	KindAddress  = "address"
)

// Labeler looks up a display label. A missing label resolves to the id itself.
type Labeler interface {
	Label(ctx context.Context, kind, id, lang string) string
}

// Static serves labels from the catalog section of the config.
type Static struct {
	Services   map[string]config.Label
	Categories map[string]config.Label
	Addresses  map[string]config.Label
}

func FromConfig(cfg *config.Config) Static {
	if cfg == nil {
		return Static{}
	}
	return Static{
		Services:   cfg.Catalog.Services,
		Categories: cfg.Catalog.Categories,
		Addresses:  cfg.Catalog.Addresses,
	}
}

func (s Static) Label(_ context.Context, kind, id, lang string) string {
	var table map[string]config.Label
	switch kind {
	case KindService:
		table = s.Services
	case KindCategory:
		table = s.Categories
	case KindAddress:
		table = s.Addresses
	}
	l, ok := table[id]
	if !ok {
		return id
	}
	if lang == "ar" && l.AR != "" {
		return l.AR
	}
	if l.EN == "" {
		return id
	}
	return l.EN
}
