package vector

import (
	"context"
	"fmt"

	"github.com/weaviate/weaviate/entities/models"
)

// ClassName is the Weaviate class holding document chunks.
const ClassName = "Document"

// SchemaClient is the subset of the Weaviate schema API used at startup.
type SchemaClient interface {
	ClassExists(ctx context.Context, className string) (bool, error)
	CreateClass(ctx context.Context, class *models.Class) error
	GetClass(ctx context.Context, className string) (*models.Class, error)
	AddProperty(ctx context.Context, className string, property *models.Property) error
}

func documentProperties() []*models.Property {
	return []*models.Property{
		{
			Name:     "content",
			DataType: []string{"text"},
		},
		{
			// exact match, no tokenization
			Name:         "contentHash",
			DataType:     []string{"text"},
			Tokenization: models.PropertyTokenizationField,
		},
		{
			Name:     "createdAt",
			DataType: []string{"date"},
		},
	}
}

// EnsureSchema creates the Document class, or adds any property an older
// deployment is missing. Vectors are always supplied by the caller.
func EnsureSchema(ctx context.Context, client SchemaClient) error {
	exists, err := client.ClassExists(ctx, ClassName)
	if err != nil {
		return fmt.Errorf("check class %s: %w", ClassName, err)
	}

	properties := documentProperties()
	if !exists {
		return client.CreateClass(ctx, &models.Class{
			Class:       ClassName,
			Description: "A deduplicated chunk of an ingested document",
			Vectorizer:  "none",
			VectorIndexConfig: map[string]any{
				"distance": "l2-squared",
			},
			Properties: properties,
		})
	}

	class, err := client.GetClass(ctx, ClassName)
	if err != nil {
		return fmt.Errorf("get class %s: %w", ClassName, err)
	}

	have := make(map[string]bool, len(class.Properties))
	for _, p := range class.Properties {
		have[p.Name] = true
	}
	for _, p := range properties {
		if have[p.Name] {
			continue
		}
		if err := client.AddProperty(ctx, ClassName, p); err != nil {
			return fmt.Errorf("add property %s: %w", p.Name, err)
		}
	}
	return nil
}
