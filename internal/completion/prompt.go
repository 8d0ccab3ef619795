package completion

import (
	"fmt"
	"strings"

	"github.com/tarifas-co/tarifas-cli/internal/model"
)

// SystemPrompt frames the model as a tariff-to-CSV converter.
const SystemPrompt = "Eres un asistente especializado en procesar documentos de tarifas eléctricas " +
	"y convertirlos a formato CSV. Tu única tarea es extraer los datos y devolverlos en formato CSV, " +
	"sin ningún texto adicional. Debes seguir estrictamente el formato de columnas especificado."

const promptTemplate = `%s

A continuación está el texto extraído del documento de tarifas:

%s

IMPORTANTE: Por favor, organiza los datos en formato CSV con las siguientes columnas en este orden exacto:
%s

REGLAS ESTRICTAS:
1. La primera línea DEBE ser exactamente: %s
2. Los valores numéricos deben usar punto como separador decimal
3. No usar separadores de miles
4. No incluir espacios extras entre columnas
5. No incluir texto adicional antes o después del CSV
6. Asegurarse de que todas las columnas estén presentes y en el orden correcto
7. Cada fila debe tener exactamente %d campos separados por comas`

// BuildPrompt assembles the user message from retailer instructions and the
// document text.
func BuildPrompt(rawText, instructions string) string {
	return fmt.Sprintf(promptTemplate,
		strings.TrimSpace(instructions),
		rawText,
		model.CanonicalHeader,
		model.CanonicalHeader,
		model.ColumnCount,
	)
}

// StripFences removes a markdown code fence wrapped around the response.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	} else {
		return ""
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
