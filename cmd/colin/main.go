package main

import (
	"log"
	"os"

	"github.com/spf13/pflag"
)

var fWords = pflag.BoolP("words", "w", false, "list the instruction words of executable segments")

func main() {
	pflag.Parse()

	for _, path := range pflag.Args() {
		if err := dump(os.Stdout, path, *fWords); err != nil {
			log.Fatal(err)
		}
	}
}
