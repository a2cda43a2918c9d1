// Command memsim boots the memory core of the kernel on an emulated machine
// and reports the resulting state.
package main

func main() {
	Execute()
}
