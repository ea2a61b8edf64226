package main

import (
	"log"
)

func main() {
	log.Println("[Main] SMS Hub 代理启动中...")

	runner := NewApplicationRunner()
	runner.Run()

	log.Println("[Main] SMS Hub 代理已停止")
}
