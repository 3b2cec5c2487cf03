package catalogue

// stockDefinitions 是平台内置的 15 个领域智能体。
// 工具分两类：本地工具在控制面进程内执行，其余按
// tool:<name> 能力派发给工作节点。
var stockDefinitions = []Definition{
	{
		ID:           "travel-planner",
		Name:         "Travel Planner",
		Description:  "Plans trips, routes and itineraries.",
		SystemPrompt: "You are a travel planning specialist. Build practical itineraries with concrete transport and lodging suggestions.",
		Tools: []ToolDescriptor{
			{Name: "webSearch", Description: "Search the web", Parameters: []string{"query"}},
			{Name: "weather", Description: "Current weather for a city", Parameters: []string{"city"}},
		},
		Keywords: []string{"trip", "travel", "flight", "hotel", "itinerary", "tokyo", "vacation"},
	},
	{
		ID:           "budget-planner",
		Name:         "Budget Planner",
		Description:  "Estimates and optimizes spending plans.",
		SystemPrompt: "You are a budgeting specialist. Produce itemized cost estimates and cheaper alternatives.",
		Tools: []ToolDescriptor{
			{Name: "calculate", Description: "Evaluate an arithmetic expression", Parameters: []string{"expression"}},
			{Name: "currencyRate", Description: "Exchange rate lookup", Parameters: []string{"from", "to"}},
		},
		Keywords: []string{"budget", "cheap", "cost", "price", "afford", "spend"},
	},
	{
		ID:           "researcher",
		Name:         "Researcher",
		Description:  "Gathers and cross-checks information.",
		SystemPrompt: "You are a research assistant. Collect facts from multiple sources and cite them.",
		Tools: []ToolDescriptor{
			{Name: "webSearch", Description: "Search the web", Parameters: []string{"query"}},
		},
		Keywords: []string{"research", "find", "information", "source", "study"},
	},
	{
		ID:           "coder",
		Name:         "Coder",
		Description:  "Writes and reviews code.",
		SystemPrompt: "You are a senior software engineer. Produce working, idiomatic code with brief explanations.",
		Tools: []ToolDescriptor{
			{Name: "runScript", Description: "Execute a script in a sandbox", Parameters: []string{"language", "source"}},
		},
		Keywords: []string{"code", "program", "bug", "function", "script", "debug"},
	},
	{
		ID:           "writer",
		Name:         "Writer",
		Description:  "Drafts and edits prose.",
		SystemPrompt: "You are a professional writer. Draft clear, well-structured text in the requested tone.",
		Keywords:     []string{"write", "draft", "essay", "article", "blog", "letter"},
	},
	{
		ID:           "translator",
		Name:         "Translator",
		Description:  "Translates between languages.",
		SystemPrompt: "You are a translator. Preserve meaning, register and formatting.",
		Tools: []ToolDescriptor{
			{Name: "translate", Description: "Translate text", Parameters: []string{"text", "target"}},
		},
		Keywords: []string{"translate", "translation", "japanese", "chinese", "spanish", "french"},
	},
	{
		ID:           "summarizer",
		Name:         "Summarizer",
		Description:  "Condenses long content.",
		SystemPrompt: "You are a summarization specialist. Keep the essential points, drop the rest.",
		Keywords:     []string{"summarize", "summary", "tldr", "condense", "shorten"},
	},
	{
		ID:           "data-analyst",
		Name:         "Data Analyst",
		Description:  "Interprets datasets and numbers.",
		SystemPrompt: "You are a data analyst. Quantify claims and show the arithmetic behind conclusions.",
		Tools: []ToolDescriptor{
			{Name: "calculate", Description: "Evaluate an arithmetic expression", Parameters: []string{"expression"}},
		},
		Keywords: []string{"data", "statistics", "average", "trend", "chart", "analyze"},
	},
	{
		ID:           "crypto-analyst",
		Name:         "Crypto Analyst",
		Description:  "Tracks tokens, prices and on-chain activity.",
		SystemPrompt: "You are a crypto market analyst. Report prices and on-chain signals without giving financial advice.",
		Tools: []ToolDescriptor{
			{Name: "cryptoPrice", Description: "Spot price for a token", Parameters: []string{"symbol"}},
			{Name: "webSearch", Description: "Search the web", Parameters: []string{"query"}},
		},
		Keywords: []string{"crypto", "bitcoin", "ethereum", "token", "defi", "usdc", "wallet"},
	},
	{
		ID:           "news-reporter",
		Name:         "News Reporter",
		Description:  "Summarizes current events.",
		SystemPrompt: "You are a news desk assistant. Report the latest developments neutrally with dates.",
		Tools: []ToolDescriptor{
			{Name: "webSearch", Description: "Search the web", Parameters: []string{"query"}},
		},
		Keywords: []string{"news", "latest", "today", "headline", "current events"},
	},
	{
		ID:           "weather-advisor",
		Name:         "Weather Advisor",
		Description:  "Weather conditions and forecasts.",
		SystemPrompt: "You are a weather advisor. Give conditions, forecasts and practical clothing advice.",
		Tools: []ToolDescriptor{
			{Name: "weather", Description: "Current weather for a city", Parameters: []string{"city"}},
		},
		Keywords: []string{"weather", "rain", "temperature", "forecast", "sunny", "snow"},
	},
	{
		ID:           "scheduler",
		Name:         "Scheduler",
		Description:  "Organizes time and appointments.",
		SystemPrompt: "You are a scheduling assistant. Propose concrete time slots and reminders.",
		Tools: []ToolDescriptor{
			{Name: "currentTime", Description: "Current UTC time"},
		},
		Keywords: []string{"schedule", "calendar", "meeting", "remind", "appointment", "deadline"},
	},
	{
		ID:           "shopping-assistant",
		Name:         "Shopping Assistant",
		Description:  "Finds and compares products.",
		SystemPrompt: "You are a shopping assistant. Compare options on price, quality and availability.",
		Tools: []ToolDescriptor{
			{Name: "webSearch", Description: "Search the web", Parameters: []string{"query"}},
		},
		Keywords: []string{"buy", "shop", "product", "compare", "deal", "order"},
	},
	{
		ID:           "health-coach",
		Name:         "Health Coach",
		Description:  "General wellness guidance.",
		SystemPrompt: "You are a wellness coach. Give general, safe lifestyle guidance and defer to professionals for medical issues.",
		Keywords:     []string{"health", "exercise", "diet", "sleep", "fitness", "workout"},
	},
	{
		ID:           "general-assistant",
		Name:         "General Assistant",
		Description:  "Fallback assistant for anything else.",
		SystemPrompt: "You are a helpful generalist assistant. Answer directly and concisely.",
		Tools: []ToolDescriptor{
			{Name: "currentTime", Description: "Current UTC time"},
		},
		Keywords: []string{"help", "question", "explain", "what", "how"},
	},
}

// Stock 返回装载了内置智能体与本地工具的目录。
func Stock() *Catalogue {
	c := New()
	for _, def := range stockDefinitions {
		c.Register(def)
	}
	registerLocalTools(c)
	return c
}
