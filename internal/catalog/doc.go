// Package catalog is the static registry of downloadable model artifacts.
//
// A [Catalog] maps a model identifier to a [Descriptor]: where to fetch the
// artifact, what file name it is stored under and how large it is expected
// to be. Catalogs are immutable once built.
//
// # Usage
//
//	cat := catalog.Builtin()
//	d, ok := cat.Lookup("gemma-2b-it")
//
// A catalog can also be loaded from YAML:
//
//	default: tiny
//	models:
//	  - id: tiny
//	    name: Tiny Model
//	    url: https://example.com/tiny.gguf
//	    file_name: tiny.gguf
//	    size: 1.1GB
//	    description: Small model for testing
package catalog
