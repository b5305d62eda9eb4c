package main

import (
	"context"
	"log"

	"github.com/MrSnakeDoc/apiregistry/internal/app"
)

func main() {
	a, err := app.New(context.Background())
	if err != nil {
		log.Fatalf("❌ apiregistry failed to start: %v", err)
	}
	if err := a.Run(); err != nil {
		log.Fatalf("❌ apiregistry stopped with error: %v", err)
	}
}
