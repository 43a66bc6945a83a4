package main

import (
	"context"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/altidigitech-ui/leak-detector/app"
)

func main() {
	router, _, err := app.BuildAPI(context.Background())
	if err != nil {
		log.Fatalf("failed to initialize api: %v", err)
	}

	addr := "0.0.0.0:8080"
	if port := os.Getenv("PORT"); port != "" {
		addr = "0.0.0.0:" + port
	}
	if err := router.Run(addr); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}
