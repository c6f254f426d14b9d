package main

import "github.com/edgelesssys/go-tdx-evidence/cmd"

func main() {
	cmd.Execute()
}
