// cmd/licensectl/main.go
package main

func main() {
	Execute()
}
