package main

import "github.com/jingzhongxu/ladder/cmd"

func main() {
	cmd.Execute()
}
