package main

import (
	"log"
	"os"

	"example.com/homecore/services/smarthome/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Println(err)
		os.Exit(1)
	}
}
