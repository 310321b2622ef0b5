// Package storefront holds the overlays that adapt commerce backend responses to what
// storefront drop-ins expect.
package storefront

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/wundergraph/storefront-mesh/pkg/overlay"
)

const (
	StoreConfigType = "StoreConfig"
	OrderTotalType  = "OrderTotal"
)

// GiftOptionFields are StoreConfig gift option flags that older backends omit. They
// default to "0" (disabled).
var GiftOptionFields = []string{
	"allow_printed_card",
	"sales_printed_card",
	"sales_gift_wrapping",
	"gift_wrapping_available",
	"gift_receipt_available",
	"allow_gift_receipt",
	"allow_gift_wrapping",
	"cart_gift_wrapping",
	"cart_printed_card",
}

// ProductTypes are the concrete implementations of ProductInterface whose
// gift_message_available is returned as Boolean but declared as String.
var ProductTypes = []string{
	"SimpleProduct",
	"ConfigurableProduct",
	"BundleProduct",
	"DownloadableProduct",
	"GiftCardProduct",
	"GroupedProduct",
	"VirtualProduct",
}

// ZeroMoney is the printed card price used when the backend has none.
func ZeroMoney() map[string]interface{} {
	return map[string]interface{}{
		"value":    0,
		"currency": "USD",
	}
}

// Resolvers returns every built-in storefront overlay.
func Resolvers() []overlay.Resolver {
	var resolvers []overlay.Resolver

	for _, field := range GiftOptionFields {
		resolvers = append(resolvers, overlay.Resolver{
			TypeName:     StoreConfigType,
			FieldName:    field,
			SelectionSet: fmt.Sprintf("{ %s }", field),
			Resolve:      defaultTo(field, "0"),
			Default:      "0",
		})
	}

	resolvers = append(resolvers, overlay.Resolver{
		TypeName:     StoreConfigType,
		FieldName:    "printed_card_priceV2",
		SelectionSet: "{ printed_card_priceV2 { value currency } }",
		Resolve: func(parent map[string]interface{}) (interface{}, error) {
			if price, ok := parent["printed_card_priceV2"].(map[string]interface{}); ok && price != nil {
				return price, nil
			}
			return ZeroMoney(), nil
		},
		Default: ZeroMoney(),
	})

	for _, typeName := range ProductTypes {
		resolvers = append(resolvers, overlay.Resolver{
			TypeName:     typeName,
			FieldName:    "gift_message_available",
			SelectionSet: "{ gift_message_available }",
			Resolve: func(parent map[string]interface{}) (interface{}, error) {
				return Stringify(parent["gift_message_available"])
			},
		})
	}

	resolvers = append(resolvers, overlay.Resolver{
		TypeName:     OrderTotalType,
		FieldName:    "grand_total_excl_tax",
		SelectionSet: "{ grand_total_excl_tax { value currency } grand_total { value currency } }",
		Resolve: func(parent map[string]interface{}) (interface{}, error) {
			if value := parent["grand_total_excl_tax"]; value != nil {
				return value, nil
			}
			return parent["grand_total"], nil
		},
	})

	return resolvers
}

// Register adds the built-in overlays to registry.
func Register(registry *overlay.Registry) error {
	for _, resolver := range Resolvers() {
		if err := registry.Register(resolver); err != nil {
			return err
		}
	}
	return nil
}

func defaultTo(field string, fallback interface{}) overlay.ResolveFunc {
	return func(parent map[string]interface{}) (interface{}, error) {
		if value, ok := parent[field]; ok && value != nil {
			return value, nil
		}
		return fallback, nil
	}
}

// Stringify renders scalar values the way a String field expects them. Null stays null.
func Stringify(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	case json.Number:
		return v.String(), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(v), nil
	default:
		return nil, fmt.Errorf("cannot convert %T to string", value)
	}
}
