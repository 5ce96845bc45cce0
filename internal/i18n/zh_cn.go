package i18n

// ZhCNMessages 简体中文消息目录
// ZhCNMessages Simplified Chinese message catalog
var ZhCNMessages = map[string]string{
	// 启动横幅
	"start.workspace": "agentbridge 已在工作区启动: %s",
	"start.backend":   "默认后端: %s",

	// 斜杠命令
	"cmd.header":   "命令:",
	"cmd.help":     "显示帮助",
	"cmd.backends": "列出已配置的后端",
	"cmd.backend":  "选择下次会话使用的后端",
	"cmd.start":    "立即启动会话",
	"cmd.stop":     "停止当前会话",
	"cmd.cancel":   "中断正在运行的回合",
	"cmd.status":   "显示会话状态和 token 用量",
	"cmd.sessions": "列出已存储的对话",
	"cmd.resume":   "恢复已存储的对话",
	"cmd.replay":   "打印已存储对话的记录",
	"cmd.exit":     "退出",
	"cmd.unknown":  "未知命令: %s",

	// 会话生命周期
	"session.started":  "会话: %s 后端=%s",
	"session.stopped":  "会话已停止",
	"session.active":   "会话已在运行; 请先 /stop",
	"session.switched": "后端: %s (下次会话生效)",

	// 审批
	"approval.prompt": "允许? [y]本次 / [a]始终 / [n]拒绝 / ne[v]er 始终拒绝: ",

	// 状态
	"status.line":     "状态: %s",
	"status.pending":  "待审批: %d",
	"status.tokens":   "token (上报): 输入=%d 缓存=%d 输出=%d",
	"status.estimate": "token (估算): %s%d 共 %d 条消息",

	// 对话
	"conv.none": "暂无对话",

	// 错误
	"error.start":  "启动失败: %s",
	"error.cancel": "取消失败: %s",
	"error.turn":   "回合失败: %s",
}
