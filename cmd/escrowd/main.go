package main

import (
	"log"

	"escrowlane/services/escrowd"
)

func main() {
	if err := escrowd.Main(); err != nil {
		log.Fatalf("escrowd: %v", err)
	}
}
