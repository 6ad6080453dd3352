package main

import "github.com/keanucz/m3ufetch/cmd"

func main() {
	cmd.Execute()
}
