// Command storefront-mesh is a GraphQL gateway that composes storefront upstreams into one schema.
//
// Each configured source is introspected, or read from a schema file, and rewritten by its
// transforms. FILTER keeps or drops root fields and ENCAPSULATE nests all root fields of a
// source under one namespace field. The transformed schemas are merged into the composed
// schema; two sources contributing the same root field is a configuration error.
//
// Incoming operations are split by the source owning each root field and forwarded in
// parallel, mutations in order. Overlays patch individual fields of the upstream results,
// for example defaulting StoreConfig gift options that older backends omit. Query responses
// without errors are cached, and every response carries the configured CORS headers.
//
// Usage:
//
//	storefront-mesh serve --config config/mesh.yaml
//	storefront-mesh schema --config config/mesh.yaml > mesh.graphql
package main
