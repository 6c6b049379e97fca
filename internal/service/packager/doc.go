// Package packager reorganizes a local image dataset into the layout a Colab
// training notebook expects and compresses it into a single archive.
//
// A run resets the staging tree, expands an optional bundle of training
// images, copies the train/valid/test splits, rewrites the path declarations
// in the dataset configuration, includes optional model weights, then zips
// the staging tree and removes it. Missing inputs downgrade to warnings where
// the original layout tolerates them.
package packager
