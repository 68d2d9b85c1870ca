// 文件: pkg/idgen/snowflake.go
// 雪花算法 ID 生成器 (github.com/bwmarrin/snowflake)
// 高位是毫秒时间戳，字符串按数值比较即按时间排序

package idgen

import (
	"fmt"
	"sync"

	"github.com/bwmarrin/snowflake"
)

// Generator 单节点 ID 生成器，并发安全
type Generator struct {
	node *snowflake.Node
}

// New 创建生成器
// nodeID: 节点ID (0-1023)，多实例部署时必须互不相同
func New(nodeID int64) (*Generator, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("create snowflake node %d: %w", nodeID, err)
	}
	return &Generator{node: node}, nil
}

// NextID 生成字符串 ID
func (g *Generator) NextID() string {
	return g.node.Generate().String()
}

// NextInt64 生成数值 ID
func (g *Generator) NextInt64() int64 {
	return g.node.Generate().Int64()
}

var (
	defaultGen  *Generator
	defaultOnce sync.Once
)

// Default 进程级默认生成器 (节点 0)，只给测试和工具用
func Default() *Generator {
	defaultOnce.Do(func() {
		defaultGen, _ = New(0)
	})
	return defaultGen
}
