package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/example/orderflow/internal/auth"
	"github.com/example/orderflow/internal/config"
)

// 签发后台接口使用的 JWT，例如：
//
//	admin-token -subject ops-1 | xargs -I{} curl -H "Authorization: Bearer {}" ...
func main() {
	configPath := flag.String("config", "", "配置文件路径（yaml）")
	subject := flag.String("subject", "admin", "token 主体")
	role := flag.String("role", auth.RoleAdmin, "角色")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	token, err := auth.GenerateToken(cfg.JWT, *subject, *role)
	if err != nil {
		log.Fatalf("failed to generate token: %v", err)
	}
	fmt.Println(token)
}
