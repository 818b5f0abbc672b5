package empathy

import (
	"context"
	"fmt"
	"strings"
)

// analysisPrompt is the four-sides model instruction. The conversation
// transcript is appended at the end.
const analysisPrompt = `Проанализируй следующий диалог, используя четырехстороннюю модель Шульца фон Туна ("модель 4 ушей"). Для каждого сообщения проанализируй четыре уровня:

1.  **Фактическая информация**: Каково буквальное, объективное содержание сообщения?
2.  **Самораскрытие**: Что сообщение говорит о личности, ценностях, эмоциях или текущем состоянии отправителя?
3.  **Отношения**: Что сообщение подразумевает об отношениях между отправителем и получателем? Как отправитель воспринимает получателя?
4.  **Призыв**: Что отправитель хочет, чтобы получатель сделал, подумал или почувствовал? Каков основной запрос или заявка на установление контакта?

Основываясь на этой модели, предоставь резюме того, о чем мог думать каждый человек, каковы были его заявки на установление контакта и каковы могли быть его основные запросы ("bids for connection").

В конце для каждой стороны диалога предложи несколько примеров ответов на русском языке (продолжающих текущий диалог), для обоих сторон.

Вот диалог:
`

// Process runs the buffered messages through the LLM and returns the
// formatted analysis text. When the model does not honor the structured
// schema the raw response text is returned as-is.
func (c *Client) Process(ctx context.Context, messages []Message, model string) (string, error) {
	if len(messages) == 0 {
		return "No messages to process.", nil
	}

	var b strings.Builder
	for _, m := range messages {
		b.WriteString(m.Sender)
		b.WriteString(": ")
		b.WriteString(m.Text)
		b.WriteString("\n")
	}
	prompt := analysisPrompt + strings.TrimSuffix(b.String(), "\n") + "\n"

	result, raw, err := c.Analyze(ctx, prompt, model)
	if err != nil {
		return "", err
	}
	if result == nil {
		return raw, nil
	}
	return FormatAnalysis(result), nil
}

// FormatAnalysis renders a structured analysis as Markdown-ish text,
// one section per sender, followed by continuation examples.
func FormatAnalysis(result *Analysis) string {
	var parts []string
	for _, a := range result.Analysis {
		parts = append(parts,
			fmt.Sprintf("**Отправитель: %s**", a.Sender),
			fmt.Sprintf("*Фактическая информация*: %s", a.FactualInformation),
			fmt.Sprintf("*Самораскрытие*: %s", a.SelfRevelation),
			fmt.Sprintf("*Отношения*: %s", a.Relationship),
			fmt.Sprintf("*Призыв*: %s", a.Appeal),
			fmt.Sprintf("*Заявка на контакт*: %s", a.BidForConnection),
			"\n",
		)
	}
	parts = append(parts, "**Примеры продолжения диалога:**")
	for _, cont := range result.Continuations {
		parts = append(parts, fmt.Sprintf("*Для %s:*", cont.Sender))
		for i, example := range cont.ExampleContinuations {
			parts = append(parts, fmt.Sprintf("%d. %s", i+1, example))
		}
		parts = append(parts, "\n")
	}
	return strings.Join(parts, "\n")
}
