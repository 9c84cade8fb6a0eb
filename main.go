// Command repoindexer crawls document repositories, converts what it finds
// into searchable text, and serves search over the index.
//
// Usage:
//
//	repoindexer serve --config config.yaml
//	repoindexer worker
//	repoindexer submit svn://svn.example.com/project/docs --username alice
//	repoindexer jobs --queue import --status failed
//	repoindexer reindex
package main

import (
	"github.com/JakeFAU/repo-indexer/cmd"
)

// main defers all execution to the Cobra command tree.
func main() {
	cmd.Execute()
}
