package main

import "github.com/uniboxhq/unibox-sync/internal/app"

func main() {
	app.Execute()
}
