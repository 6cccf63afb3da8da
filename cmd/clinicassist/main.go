package main

import (
	"context"
	"fmt"
	"os"

	rootcmder "github.com/zlnick/PatientInfoSE/cmd/clinicassist/root"
)

func main() {
	if err := rootcmder.NewRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
