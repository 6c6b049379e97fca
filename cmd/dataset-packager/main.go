package main

import "github.com/oshokin/dataset-packager/cmd/dataset-packager/cmd"

func main() {
	cmd.Execute()
}
