package exclude_test

import (
	"fmt"

	"github.com/droidscript/dssync/internal/exclude"
)

// This example shows which project paths the default settings skip.
func ExampleExcluded() {
	for _, rel := range []string{
		"MyApp.js",
		"Img/icon.png",
		".edit/state.json",
		"node_modules/lodash/index.js",
		"APKs/MyApp.apk",
		"~backup/draft.txt",
	} {
		fmt.Printf("%-30s %v\n", rel, exclude.Excluded(nil, rel))
	}
	// Output:
	// MyApp.js                       false
	// Img/icon.png                   false
	// .edit/state.json               true
	// node_modules/lodash/index.js   true
	// APKs/MyApp.apk                 true
	// ~backup/draft.txt              true
}

// This example replaces the default list with a project's own patterns.
func ExampleNew() {
	cfg := exclude.New("*.md", "Docs")
	fmt.Println(exclude.Excluded(cfg, "README.md"))
	fmt.Println(exclude.Excluded(cfg, "Docs/guide.html"))
	fmt.Println(exclude.Excluded(cfg, "node_modules/x.js"))
	// Output:
	// true
	// true
	// false
}
