package keyword

var cjkStopwords = toSet(
	"我", "你", "他", "她", "它", "我们", "你们", "他们", "她们",
	"的", "了", "啊", "呀", "呢", "吧", "吗", "喵", "哥哥", "小猫咪", "小命",
	"就是", "但是", "然后", "所以", "因为", "如果", "能不能", "怎么",
	"这个", "那个", "现在", "今天", "明天", "刚才", "感觉", "有点",
	"接着", "拿起", "提前", "给", "当是", "好啦", "嗯", "唉呀", "唔",
)

// separatorWords split long ideograph runs into phrase-sized parts.
var separatorWords = []string{
	"又", "接着", "拿起", "就当", "当是", "今天", "提前", "给", "好啦",
	"于是", "然后", "所以", "但是", "因为", "不过",
}

var latinStopwords = toSet(
	"the", "and", "for", "with", "that", "this", "you", "your", "are", "was",
	"but", "not", "have", "has", "what", "how", "can", "just", "about", "from",
	"please", "hello", "thanks",
)

func toSet(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}
