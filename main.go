package main

import (
	"github.com/joho/godotenv"
	"github.com/lamco-admin/wayland-rdp-sub011/cmd/gfxcored"
)

func main() {
	_ = godotenv.Load()
	gfxcored.Execute()
}
