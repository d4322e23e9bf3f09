package catalog

// builtinEntries are compiled into the binary. Extend the catalog by adding
// entries here or by loading a catalog file; the first entry is the default.
var builtinEntries = []Descriptor{
	{
		ID:          "gemma-2b-it",
		Name:        "Gemma 2B Instruct",
		URL:         "https://huggingface.co/lmstudio-ai/gemma-2b-it-GGUF/resolve/main/gemma-2b-it-q4_k_m.gguf",
		FileName:    "gemma-2b-it-q4_k_m.gguf",
		Size:        1_495_245_824, // ~1.5 GB
		Description: "Google Gemma 2B instruction-tuned, Q4_K_M quantization. Fast on-device chat.",
	},
	{
		ID:          "gemma-2-2b-it",
		Name:        "Gemma 2 2B Instruct",
		URL:         "https://huggingface.co/bartowski/gemma-2-2b-it-GGUF/resolve/main/gemma-2-2b-it-Q4_K_M.gguf",
		FileName:    "gemma-2-2b-it-Q4_K_M.gguf",
		Size:        1_708_582_752, // ~1.7 GB
		Description: "Google Gemma 2 2B instruction-tuned, Q4_K_M quantization. Better quality, slightly larger.",
	},
}

// Builtin returns the compiled-in catalog.
func Builtin() *Catalog {
	return MustNew(builtinEntries...)
}
