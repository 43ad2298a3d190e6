package validator

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hitoshi/dealman/internal/model"
)

//go:embed default_rules.yaml
var defaultRulesYAML []byte

// 判定対象のフィールド
const (
	FieldTitle    = "title"
	FieldCategory = "category"
	FieldSource   = "source"
)

// RuleTable はパターンから除外判定への宣言的な対応表。
// 一度読み込んだ後は読み取り専用で、複数のゴルーチンから参照できる。
type RuleTable struct {
	rules []noiseRule
}

type noiseRule struct {
	name     string
	code     model.RejectCode
	field    string
	pattern  *regexp.Regexp
	keywords []string
}

type ruleFile struct {
	Rules []ruleSpec `yaml:"rules"`
}

type ruleSpec struct {
	Name     string   `yaml:"name"`
	Code     string   `yaml:"code"`
	Field    string   `yaml:"field"`
	Patterns []string `yaml:"patterns"`
	Keywords []string `yaml:"keywords"`
}

// ParseRuleTable はYAMLからルール表を構築する。
func ParseRuleTable(data []byte) (*RuleTable, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("除外ルールの解析に失敗しました: %w", err)
	}

	table := &RuleTable{}
	for i, rs := range f.Rules {
		switch rs.Field {
		case FieldTitle, FieldCategory, FieldSource:
		default:
			return nil, fmt.Errorf("除外ルール %d (%s) のfieldが不正です: %q", i, rs.Name, rs.Field)
		}
		if rs.Code == "" {
			return nil, fmt.Errorf("除外ルール %d (%s) にcodeがありません", i, rs.Name)
		}
		rule := noiseRule{
			name:  rs.Name,
			code:  model.RejectCode(rs.Code),
			field: rs.Field,
		}
		if len(rs.Patterns) > 0 {
			re, err := regexp.Compile("(?i)(?:" + strings.Join(rs.Patterns, "|") + ")")
			if err != nil {
				return nil, fmt.Errorf("除外ルール %d (%s) の正規表現が不正です: %w", i, rs.Name, err)
			}
			rule.pattern = re
		}
		for _, kw := range rs.Keywords {
			if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
				rule.keywords = append(rule.keywords, kw)
			}
		}
		table.rules = append(table.rules, rule)
	}
	return table, nil
}

// LoadRuleTableFile はファイルからルール表を読み込む。
// path が空の場合は組み込みの既定ルール表を返す。
func LoadRuleTableFile(path string) (*RuleTable, error) {
	if path == "" {
		return DefaultRuleTable(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("除外ルールファイルの読み込みに失敗しました: %w", err)
	}
	return ParseRuleTable(data)
}

// DefaultRuleTable は組み込みの既定ルール表を返す。
func DefaultRuleTable() *RuleTable {
	table, err := ParseRuleTable(defaultRulesYAML)
	if err != nil {
		panic(fmt.Sprintf("組み込み除外ルールが不正です: %v", err))
	}
	return table
}

// Len はルール数を返す。
func (t *RuleTable) Len() int {
	return len(t.rules)
}

// Match は候補に一致する最初のルールを返す。
func (t *RuleTable) Match(c model.CandidateDeal) (model.RejectCode, string, bool) {
	if t == nil {
		return "", "", false
	}
	for _, r := range t.rules {
		var value string
		switch r.field {
		case FieldTitle:
			value = c.Title
		case FieldCategory:
			value = c.Category
		case FieldSource:
			value = c.SourceName
		}
		if value == "" {
			continue
		}
		if r.pattern != nil {
			if m := r.pattern.FindString(value); m != "" {
				return r.code, fmt.Sprintf("%s: %q に一致", r.name, m), true
			}
		}
		lower := strings.ToLower(value)
		for _, kw := range r.keywords {
			if strings.Contains(lower, kw) {
				return r.code, fmt.Sprintf("%s: キーワード %q を含む", r.name, kw), true
			}
		}
	}
	return "", "", false
}
