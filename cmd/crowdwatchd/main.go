package main

import (
	"log"

	crowdwatchd "crowdwatch/services/crowdwatchd"
)

func main() {
	if err := crowdwatchd.Main(); err != nil {
		log.Fatalf("crowdwatchd: %v", err)
	}
}
