// verba is the RAG orchestration server: document ingestion, vector
// retrieval, and grounded answer generation behind one HTTP API.
package main

import (
	_ "go.uber.org/automaxprocs"

	"github.com/kart-io/verba/cmd/verba/app"
)

func main() {
	app.NewApp().Run()
}
