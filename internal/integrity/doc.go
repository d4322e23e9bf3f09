// Package integrity tracks which cached models are complete.
//
// A persisted flag per model ("model_downloaded_<id>") records that the
// model finished downloading. Flags live in a gocloud.dev/blob bucket, by
// default a directory next to the models. Every query re-checks the file
// on disk: a flag whose file is missing or whose size deviates from the
// catalog by more than 5% is cleared, and the bad file removed.
//
//	store, err := integrity.OpenStore(ctx, "", filepath.Join(root, "state"))
//	tracker := integrity.NewTracker(cat, locator, store, log)
//	if path, ok := tracker.ResolvePath(ctx, "gemma-2b-it"); ok {
//	    // hand path to the model loader
//	}
package integrity
