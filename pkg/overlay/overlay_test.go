package overlay

import (
	"errors"
	"testing"

	"github.com/jensneuse/abstractlogger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
)

const storeSDL = `
type Query {
	storeConfig: StoreConfig
	products: [ProductInterface]
}

type StoreConfig {
	code: String
	allow_gift_wrapping: String
	printed_card_priceV2: Money
}

type Money {
	value: Float
	currency: String
}

interface ProductInterface {
	sku: String
	gift_message_available: String
}

type SimpleProduct implements ProductInterface {
	sku: String
	gift_message_available: String
}
`

func identity(field string) ResolveFunc {
	return func(parent map[string]interface{}) (interface{}, error) {
		return parent[field], nil
	}
}

func TestRegistry_Register(t *testing.T) {
	registry := NewRegistry(abstractlogger.NoopLogger)

	err := registry.Register(Resolver{
		TypeName:     "StoreConfig",
		FieldName:    "printed_card_priceV2",
		SelectionSet: "{ printed_card_priceV2 { value currency } }",
		Resolve:      identity("printed_card_priceV2"),
	})
	require.NoError(t, err)

	resolver, ok := registry.Lookup("StoreConfig", "printed_card_priceV2")
	require.True(t, ok)
	require.Len(t, resolver.Selections(), 1)
	price := resolver.Selections()[0].(*ast.Field)
	assert.Equal(t, "printed_card_priceV2", price.Name)
	assert.Len(t, price.SelectionSet, 2)

	t.Run("duplicate", func(t *testing.T) {
		err := registry.Register(Resolver{TypeName: "StoreConfig", FieldName: "printed_card_priceV2", Resolve: identity("x")})
		assert.Error(t, err)
	})

	t.Run("missing resolve function", func(t *testing.T) {
		err := registry.Register(Resolver{TypeName: "StoreConfig", FieldName: "code"})
		assert.Error(t, err)
	})

	t.Run("invalid selection set", func(t *testing.T) {
		err := registry.Register(Resolver{TypeName: "StoreConfig", FieldName: "code", SelectionSet: "{ code", Resolve: identity("code")})
		assert.Error(t, err)

		err = registry.Register(Resolver{TypeName: "StoreConfig", FieldName: "code", SelectionSet: "{ ...Fragment }", Resolve: identity("code")})
		assert.Error(t, err)
	})

	t.Run("must register panics", func(t *testing.T) {
		assert.Panics(t, func() {
			registry.MustRegister(Resolver{TypeName: "StoreConfig"})
		})
	})

	t.Run("for type", func(t *testing.T) {
		registry.MustRegister(Resolver{TypeName: "StoreConfig", FieldName: "allow_gift_wrapping", SelectionSet: "{ allow_gift_wrapping }", Resolve: identity("allow_gift_wrapping")})
		resolvers := registry.ForType("StoreConfig")
		require.Len(t, resolvers, 2)
		assert.Equal(t, "allow_gift_wrapping", resolvers[0].FieldName)
		assert.Equal(t, "printed_card_priceV2", resolvers[1].FieldName)
		assert.Empty(t, registry.ForType("SimpleProduct"))
	})
}

func TestRegistry_Apply(t *testing.T) {
	registry := NewRegistry(abstractlogger.NoopLogger)
	registry.MustRegister(
		Resolver{
			TypeName:  "StoreConfig",
			FieldName: "allow_gift_wrapping",
			Resolve: func(parent map[string]interface{}) (interface{}, error) {
				return nil, errors.New("unexpected shape")
			},
			Default: "0",
		},
		Resolver{
			TypeName:  "StoreConfig",
			FieldName: "code",
			Resolve: func(parent map[string]interface{}) (interface{}, error) {
				return parent["missing"].(string), nil
			},
			Default: "default",
		},
		Resolver{
			TypeName:  "SimpleProduct",
			FieldName: "sku",
			Resolve:   identity("sku"),
		},
	)

	value, applied := registry.Apply("SimpleProduct", "sku", map[string]interface{}{"sku": "24-MB01"})
	assert.True(t, applied)
	assert.Equal(t, "24-MB01", value)

	value, applied = registry.Apply("StoreConfig", "allow_gift_wrapping", nil)
	assert.True(t, applied)
	assert.Equal(t, "0", value, "errors fall back to the default")

	value, applied = registry.Apply("StoreConfig", "code", map[string]interface{}{})
	assert.True(t, applied)
	assert.Equal(t, "default", value, "panics fall back to the default")

	_, applied = registry.Apply("ConfigurableProduct", "sku", nil)
	assert.False(t, applied)
}

func TestRegistry_Validate(t *testing.T) {
	schema := gqlparser.MustLoadSchema(&ast.Source{Name: "store", Input: storeSDL})

	validate := func(resolvers ...Resolver) error {
		registry := NewRegistry(abstractlogger.NoopLogger)
		registry.MustRegister(resolvers...)
		return registry.Validate(schema)
	}

	t.Run("valid", func(t *testing.T) {
		err := validate(
			Resolver{TypeName: "StoreConfig", FieldName: "printed_card_priceV2", SelectionSet: "{ printed_card_priceV2 { value currency } }", Resolve: identity("x")},
			Resolver{TypeName: "SimpleProduct", FieldName: "gift_message_available", SelectionSet: "{ gift_message_available }", Resolve: identity("x")},
		)
		assert.NoError(t, err)
	})

	t.Run("absent type is inert", func(t *testing.T) {
		err := validate(Resolver{TypeName: "OrderTotal", FieldName: "grand_total_excl_tax", SelectionSet: "{ grand_total }", Resolve: identity("x")})
		assert.NoError(t, err)
	})

	t.Run("filtered dependency", func(t *testing.T) {
		err := validate(Resolver{TypeName: "StoreConfig", FieldName: "allow_gift_wrapping", SelectionSet: "{ allow_gift_wrapping cart_gift_wrapping }", Resolve: identity("x")})
		var dependencyErr *DependencyError
		require.True(t, errors.As(err, &dependencyErr))
		assert.Equal(t, "cart_gift_wrapping", dependencyErr.Path)
	})

	t.Run("nested dependency", func(t *testing.T) {
		err := validate(Resolver{TypeName: "StoreConfig", FieldName: "printed_card_priceV2", SelectionSet: "{ printed_card_priceV2 { amount } }", Resolve: identity("x")})
		var dependencyErr *DependencyError
		require.True(t, errors.As(err, &dependencyErr))
		assert.Equal(t, "printed_card_priceV2.amount", dependencyErr.Path)
	})

	t.Run("composite without selection", func(t *testing.T) {
		err := validate(Resolver{TypeName: "StoreConfig", FieldName: "printed_card_priceV2", SelectionSet: "{ printed_card_priceV2 }", Resolve: identity("x")})
		assert.Error(t, err)
	})

	t.Run("absent field is inert", func(t *testing.T) {
		err := validate(
			Resolver{TypeName: "StoreConfig", FieldName: "cart_printed_card", SelectionSet: "{ cart_printed_card }", Resolve: identity("x")},
			Resolver{TypeName: "StoreConfig", FieldName: "allow_gift_receipt", SelectionSet: "{ allow_gift_receipt }", Resolve: identity("x")},
		)
		assert.NoError(t, err)
	})

	t.Run("present field with filtered dependency still fails", func(t *testing.T) {
		err := validate(
			Resolver{TypeName: "StoreConfig", FieldName: "cart_printed_card", SelectionSet: "{ cart_printed_card }", Resolve: identity("x")},
			Resolver{TypeName: "StoreConfig", FieldName: "allow_gift_wrapping", SelectionSet: "{ allow_gift_wrapping gift_wrapping_amount }", Resolve: identity("x")},
		)
		var dependencyErr *DependencyError
		require.True(t, errors.As(err, &dependencyErr))
		assert.Equal(t, "allow_gift_wrapping", dependencyErr.FieldName)
		assert.Equal(t, "gift_wrapping_amount", dependencyErr.Path)
	})

	t.Run("storefront style overlays against a sparse store config", func(t *testing.T) {
		sparse := gqlparser.MustLoadSchema(&ast.Source{Name: "sparse", Input: `
			type Query { storeConfig: StoreConfig }
			type StoreConfig { store_code: String allow_gift_wrapping: String }
		`})
		registry := NewRegistry(abstractlogger.NoopLogger)
		for _, field := range []string{"allow_gift_wrapping", "allow_gift_receipt", "sales_printed_card"} {
			registry.MustRegister(Resolver{TypeName: "StoreConfig", FieldName: field, SelectionSet: "{ " + field + " }", Resolve: identity("0")})
		}
		assert.NoError(t, registry.Validate(sparse))
	})

	t.Run("interface target", func(t *testing.T) {
		err := validate(Resolver{TypeName: "ProductInterface", FieldName: "gift_message_available", Resolve: identity("x")})
		var dependencyErr *DependencyError
		require.True(t, errors.As(err, &dependencyErr))
		assert.Contains(t, dependencyErr.Error(), "concrete object types")
	})
}
