package reconcile

import (
	"fmt"
	"regexp"
	"strings"
)

// tokenPattern вылавливает структуру корреляционного токена из назначения
// перевода, из которого банк вырезал разделители: префикс, числовой сегмент и
// алфавитно-цифровой суффикс.
var tokenPattern = regexp.MustCompile(`(?i)DEPOSIT[^A-Za-z0-9]{0,2}DEP[^A-Za-z0-9]{0,2}(\d+)[^A-Za-z0-9]{0,2}([A-Za-z0-9]+)`)

var digitRun = regexp.MustCompile(`\d+`)

var nonAlnum = regexp.MustCompile(`[^A-Z0-9]+`)

// canonicalToken восстанавливает канонический ключ реестра из искажённого
// назначения перевода, возвращая разделители на место. Пустая строка — если
// структура токена в тексте не обнаружена.
func canonicalToken(memo string) string {
	m := tokenPattern.FindStringSubmatch(memo)
	if m == nil {
		return ""
	}
	return fmt.Sprintf("DEPOSIT_DEP_%s_%s", m[1], strings.ToUpper(m[2]))
}

// normalizeMemo убирает все разделители и регистр.
func normalizeMemo(s string) string {
	return nonAlnum.ReplaceAllString(strings.ToUpper(s), "")
}

// primaryNumericSegment возвращает самый длинный числовой сегмент строки.
// Для сгенерированных токенов это метка времени.
func primaryNumericSegment(s string) string {
	var longest string
	for _, run := range digitRun.FindAllString(s, -1) {
		if len(run) > len(longest) {
			longest = run
		}
	}
	return longest
}

// containsNumericSegment проверяет, что seg присутствует в s как отдельный
// числовой сегмент, а не как часть более длинного числа.
func containsNumericSegment(s, seg string) bool {
	if seg == "" {
		return false
	}
	for _, run := range digitRun.FindAllString(s, -1) {
		if run == seg {
			return true
		}
	}
	return false
}
