// Package archive wraps zip creation and extraction over an afero filesystem.
//
// Create produces deflate-compressed archives whose entry names keep the
// archived directory's own name as a prefix, which is the layout the notebook
// environment expects when unpacking. Extract refuses entries that would
// escape the destination directory.
package archive
