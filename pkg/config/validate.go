package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks field constraints and the rules that span fields.
func (c *Config) Validate() error {
	if err := validatorInstance().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, len(verrs))
			for i, fe := range verrs {
				msgs[i] = fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag()+paramSuffix(fe.Param()), fe.Value())
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return err
	}

	switch {
	case c.Provider.Kind == "openai" && c.Provider.OpenAIKey == "":
		return errors.New("invalid configuration: OPENAI_API_KEY is required for the openai provider")
	case c.Catalog.Kind == "csv" && c.Catalog.Path == "":
		return errors.New("invalid configuration: CATALOG_PATH is required for a csv catalog")
	case c.Catalog.Kind == "neo4j" && c.Neo4j.URL == "":
		return errors.New("invalid configuration: NEO4J_URL is required for a neo4j catalog")
	case c.Store.Kind == "qdrant" && (c.Store.QdrantURL == "" || c.Store.QdrantCollection == ""):
		return errors.New("invalid configuration: QDRANT_URL and QDRANT_COLLECTION are required for the qdrant store")
	case c.Store.Kind == "pgvector" && c.Store.PostgresDSN == "":
		return errors.New("invalid configuration: POSTGRES_DSN is required for the pgvector store")
	case c.Cache.Enabled && c.Cache.Path == "":
		return errors.New("invalid configuration: EMBED_CACHE_PATH is required when the cache is enabled")
	case c.NATS.Enabled && c.NATS.URL == "":
		return errors.New("invalid configuration: NATS_URL is required when NATS is enabled")
	}
	return nil
}

func paramSuffix(p string) string {
	if p == "" {
		return ""
	}
	return "=" + p
}
