package main

import "fmt"

func main() {
	greeting := "hello, world"
	fmt.Println(greeting)
}
