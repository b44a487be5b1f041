package vector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/fault"
	"github.com/weaviate/weaviate/entities/models"
)

// SchemaAdapter satisfies SchemaClient with a live Weaviate client. Errors
// carry the schema call and class so startup failures name what was refused.
type SchemaAdapter struct {
	schema *weaviate.Client
}

func NewSchemaAdapter(client *weaviate.Client) *SchemaAdapter {
	return &SchemaAdapter{schema: client}
}

func (a *SchemaAdapter) ClassExists(ctx context.Context, className string) (bool, error) {
	ok, err := a.schema.Schema().ClassExistenceChecker().WithClassName(className).Do(ctx)
	if err != nil {
		return false, schemaError("class exists", className, err)
	}
	return ok, nil
}

// CreateClass treats a class created concurrently by another worker as
// success.
func (a *SchemaAdapter) CreateClass(ctx context.Context, class *models.Class) error {
	err := a.schema.Schema().ClassCreator().WithClass(class).Do(ctx)
	if err == nil || alreadyExists(err) {
		return nil
	}
	return schemaError("create class", class.Class, err)
}

func (a *SchemaAdapter) GetClass(ctx context.Context, className string) (*models.Class, error) {
	class, err := a.schema.Schema().ClassGetter().WithClassName(className).Do(ctx)
	if err != nil {
		return nil, schemaError("get class", className, err)
	}
	return class, nil
}

func (a *SchemaAdapter) AddProperty(ctx context.Context, className string, property *models.Property) error {
	err := a.schema.Schema().PropertyCreator().WithClassName(className).WithProperty(property).Do(ctx)
	if err == nil || alreadyExists(err) {
		return nil
	}
	return schemaError("add property "+property.Name, className, err)
}

func alreadyExists(err error) bool {
	var clientErr *fault.WeaviateClientError
	if !errors.As(err, &clientErr) || clientErr.StatusCode != http.StatusUnprocessableEntity {
		return false
	}
	return strings.Contains(strings.ToLower(clientErr.Msg), "already exists")
}

func schemaError(op, className string, err error) error {
	var clientErr *fault.WeaviateClientError
	if errors.As(err, &clientErr) && clientErr.IsUnexpectedStatusCode {
		return fmt.Errorf("weaviate %s %s: status %d: %w", op, className, clientErr.StatusCode, err)
	}
	return fmt.Errorf("weaviate %s %s: %w", op, className, err)
}
