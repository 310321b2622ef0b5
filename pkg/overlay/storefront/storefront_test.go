package storefront

import (
	"encoding/json"
	"testing"

	"github.com/jensneuse/abstractlogger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wundergraph/storefront-mesh/pkg/overlay"
)

func registry(t *testing.T) *overlay.Registry {
	t.Helper()
	registry := overlay.NewRegistry(abstractlogger.NoopLogger)
	require.NoError(t, Register(registry))
	return registry
}

func TestGiftOptionDefaults(t *testing.T) {
	registry := registry(t)

	for _, field := range GiftOptionFields {
		field := field
		t.Run(field, func(t *testing.T) {
			value, applied := registry.Apply(StoreConfigType, field, map[string]interface{}{})
			require.True(t, applied)
			assert.Equal(t, "0", value)

			value, _ = registry.Apply(StoreConfigType, field, map[string]interface{}{field: nil})
			assert.Equal(t, "0", value)

			value, _ = registry.Apply(StoreConfigType, field, map[string]interface{}{field: "1"})
			assert.Equal(t, "1", value)
		})
	}
}

func TestPrintedCardPrice(t *testing.T) {
	registry := registry(t)

	value, _ := registry.Apply(StoreConfigType, "printed_card_priceV2", map[string]interface{}{})
	assert.Equal(t, ZeroMoney(), value)

	price := map[string]interface{}{"value": json.Number("5"), "currency": "EUR"}
	value, _ = registry.Apply(StoreConfigType, "printed_card_priceV2", map[string]interface{}{"printed_card_priceV2": price})
	assert.Equal(t, price, value)
}

func TestGiftMessageAvailable(t *testing.T) {
	registry := registry(t)

	for _, typeName := range ProductTypes {
		value, applied := registry.Apply(typeName, "gift_message_available", map[string]interface{}{"gift_message_available": true})
		require.True(t, applied, typeName)
		assert.Equal(t, "true", value)
	}

	value, _ := registry.Apply("SimpleProduct", "gift_message_available", map[string]interface{}{"gift_message_available": false})
	assert.Equal(t, "false", value)

	value, _ = registry.Apply("SimpleProduct", "gift_message_available", map[string]interface{}{"gift_message_available": nil})
	assert.Nil(t, value)

	value, _ = registry.Apply("SimpleProduct", "gift_message_available", map[string]interface{}{})
	assert.Nil(t, value)

	value, _ = registry.Apply("SimpleProduct", "gift_message_available", map[string]interface{}{"gift_message_available": "1"})
	assert.Equal(t, "1", value)

	value, _ = registry.Apply("SimpleProduct", "gift_message_available", map[string]interface{}{"gift_message_available": []interface{}{}})
	assert.Nil(t, value, "unexpected shapes fall back to the null default")

	_, applied := registry.Apply("ProductInterface", "gift_message_available", nil)
	assert.False(t, applied, "overlays are registered on concrete types only")
}

func TestGrandTotalExclTax(t *testing.T) {
	registry := registry(t)

	grandTotal := map[string]interface{}{"value": json.Number("42"), "currency": "USD"}
	value, _ := registry.Apply(OrderTotalType, "grand_total_excl_tax", map[string]interface{}{
		"grand_total": grandTotal,
	})
	assert.Equal(t, grandTotal, value)

	exclTax := map[string]interface{}{"value": json.Number("40"), "currency": "USD"}
	value, _ = registry.Apply(OrderTotalType, "grand_total_excl_tax", map[string]interface{}{
		"grand_total_excl_tax": exclTax,
		"grand_total":          grandTotal,
	})
	assert.Equal(t, exclTax, value)
}

func TestStringify(t *testing.T) {
	for input, expected := range map[interface{}]interface{}{
		true:             "true",
		"yes":            "yes",
		json.Number("2"): "2",
		float64(1.5):     "1.5",
		3:                "3",
	} {
		actual, err := Stringify(input)
		assert.NoError(t, err)
		assert.Equal(t, expected, actual)
	}

	actual, err := Stringify(nil)
	assert.NoError(t, err)
	assert.Nil(t, actual)
}
