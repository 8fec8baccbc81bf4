package parser

import (
	"bufio"
	"bytes"
	"math"
	"strconv"
	"strings"

	"github.com/lab-analyzer/backend/internal/models"
)

// JCAMP-DX table forms supported in AFFN (plain ASCII numbers).
const (
	jcampFormXPlusY = "(X++(Y..Y))"
	jcampFormXY     = "(XY..XY)"
)

// SpectroscopyParser reads JCAMP-DX spectra. Labelled records (##LABEL=value)
// are collected as metadata until a data block starts; the block runs until
// the next label.
type SpectroscopyParser struct {
	opts Options
}

func NewSpectroscopyParser(opts Options) *SpectroscopyParser {
	return &SpectroscopyParser{opts: opts}
}

func (p *SpectroscopyParser) Name() string {
	return "spectroscopy_jcamp"
}

func (p *SpectroscopyParser) Format() string {
	return "jdx"
}

// jcampBlock accumulates one data table.
type jcampBlock struct {
	form  string
	start int // line of the ##XYDATA record
	// for (X++(Y..Y)): the x of each line and how many y values it held
	lineX     []float64
	lineCount []int
	x, y      []float64
}

func (p *SpectroscopyParser) Parse(content []byte, filename string) (*models.ParsedData, error) {
	meta := make(map[string]string)
	var block *jcampBlock
	inData, ended := false, false

	sc := bufio.NewScanner(bytes.NewReader(content))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNum := 0
	for sc.Scan() && !ended {
		lineNum++
		line := stripJCAMPComment(sc.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "##") {
			label, value := splitLabel(line)
			inData = false
			switch label {
			case "END":
				ended = true
			case "XYDATA", "XYPOINTS", "PEAKTABLE":
				if block != nil {
					return nil, newParseError(p.Format(), lineNum, "more than one data block")
				}
				form := strings.ToUpper(strings.ReplaceAll(value, " ", ""))
				if form != jcampFormXPlusY && form != jcampFormXY {
					return nil, newParseError(p.Format(), lineNum, "unsupported data table form %q", value)
				}
				block = &jcampBlock{form: form, start: lineNum}
				inData = true
			default:
				if label != "" {
					meta[label] = value
				}
			}
			continue
		}

		if !inData {
			// continuation of a multi-line text record
			continue
		}
		if err := p.dataLine(block, meta, line, lineNum); err != nil {
			return nil, err
		}
	}
	if err := sc.Err(); err != nil {
		return nil, newParseError(p.Format(), lineNum+1, "%v", err)
	}

	if block == nil {
		return nil, newParseError(p.Format(), 0, "missing ##XYDATA data block")
	}
	if block.form == jcampFormXPlusY {
		if err := p.expandAbscissa(block, meta); err != nil {
			return nil, err
		}
	}
	if len(block.y) == 0 {
		return nil, newParseError(p.Format(), block.start, "empty data: data block has no points")
	}
	if np, ok := metaFloat(meta, "NPOINTS"); ok && int(np) != len(block.y) {
		return nil, newParseError(p.Format(), 0, "declared NPOINTS=%d but found %d points", int(np), len(block.y))
	}

	series := &models.Series{
		XLabel: "x",
		YLabel: "y",
		XUnits: meta["XUNITS"],
		YUnits: meta["YUNITS"],
		X:      block.x,
		Y:      block.y,
	}

	return &models.ParsedData{
		Headers:    []string{series.XLabel, series.YLabel},
		Rows:       seriesRows(block.x, block.y),
		Series:     series,
		Peaks:      DetectPeaks(block.x, block.y, p.opts.PeakThreshold, p.opts.MaxPeaks),
		Instrument: jcampInstrument(meta),
		Metadata:   models.ParseMetadata{ColumnCount: 2},
	}, nil
}

func (p *SpectroscopyParser) dataLine(b *jcampBlock, meta map[string]string, line string, lineNum int) error {
	tokens, err := affnTokens(line)
	if err != nil {
		return newParseError(p.Format(), lineNum, "%v", err)
	}
	if len(tokens) == 0 {
		return nil
	}
	xf := factor(meta, "XFACTOR")
	yf := factor(meta, "YFACTOR")

	switch b.form {
	case jcampFormXY:
		if len(tokens)%2 != 0 {
			return newParseError(p.Format(), lineNum, "x/y pair is missing a value")
		}
		for i := 0; i < len(tokens); i += 2 {
			b.x = append(b.x, tokens[i]*xf)
			b.y = append(b.y, tokens[i+1]*yf)
		}
	case jcampFormXPlusY:
		if len(tokens) < 2 {
			return newParseError(p.Format(), lineNum, "data line has an abscissa but no ordinates")
		}
		b.lineX = append(b.lineX, tokens[0]*xf)
		b.lineCount = append(b.lineCount, len(tokens)-1)
		for _, v := range tokens[1:] {
			b.y = append(b.y, v*yf)
		}
	}
	return nil
}

// expandAbscissa assigns an x to every ordinate of an (X++(Y..Y)) table.
// DELTAX is used when given, then (LASTX-FIRSTX)/(NPOINTS-1), and finally
// the spacing implied by consecutive line abscissae.
func (p *SpectroscopyParser) expandAbscissa(b *jcampBlock, meta map[string]string) error {
	delta, ok := metaFloat(meta, "DELTAX")
	if !ok {
		first, okF := metaFloat(meta, "FIRSTX")
		last, okL := metaFloat(meta, "LASTX")
		n, okN := metaFloat(meta, "NPOINTS")
		if okF && okL && okN && n > 1 {
			delta, ok = (last-first)/(n-1), true
		}
	}

	b.x = make([]float64, 0, len(b.y))
	for i, x0 := range b.lineX {
		step := delta
		if !ok {
			switch {
			case i+1 < len(b.lineX):
				step = (b.lineX[i+1] - x0) / float64(b.lineCount[i])
			case i > 0:
				step = (x0 - b.lineX[i-1]) / float64(b.lineCount[i-1])
			case b.lineCount[i] > 1:
				return newParseError(p.Format(), b.start, "cannot derive x spacing: no DELTAX, FIRSTX/LASTX or second data line")
			}
		}
		for k := 0; k < b.lineCount[i]; k++ {
			b.x = append(b.x, x0+float64(k)*step)
		}
	}
	return nil
}

// splitLabel normalizes "##X UNITS= 1/CM" to ("XUNITS", "1/CM"). Spaces,
// hyphens, slashes and underscores are not significant in labels.
func splitLabel(line string) (string, string) {
	body := strings.TrimPrefix(line, "##")
	label, value, _ := strings.Cut(body, "=")
	label = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '/', '_', '\t':
			return -1
		}
		return r
	}, strings.ToUpper(label))
	return label, strings.TrimSpace(value)
}

func stripJCAMPComment(line string) string {
	if i := strings.Index(line, "$$"); i >= 0 {
		line = line[:i]
	}
	return strings.TrimSpace(line)
}

// affnTokens splits an AFFN data line. Values are separated by spaces or
// commas, and a sign also starts a new value unless it follows an exponent
// marker ("100 12-3+4" is 100, 12, -3, 4).
func affnTokens(line string) ([]float64, error) {
	var out []float64
	var cur strings.Builder
	flush := func() error {
		if cur.Len() == 0 {
			return nil
		}
		s := cur.String()
		cur.Reset()
		f, ok := parseNumber(s)
		if !ok {
			return errNonNumeric(s)
		}
		out = append(out, f)
		return nil
	}

	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case c == ' ' || c == '\t' || c == ',' || c == ';':
			if err := flush(); err != nil {
				return nil, err
			}
		case (c == '+' || c == '-') && cur.Len() > 0 && !endsWithExponent(cur.String()):
			if err := flush(); err != nil {
				return nil, err
			}
			cur.WriteByte(c)
		case (c >= '0' && c <= '9') || c == '.' || c == '+' || c == '-' || c == 'e' || c == 'E':
			cur.WriteByte(c)
		default:
			return nil, errNonNumeric(string(c))
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return out, nil
}

type nonNumericError string

func (e nonNumericError) Error() string {
	s := string(e)
	if len(s) > 16 {
		s = s[:16]
	}
	return "non-numeric value " + strconv.Quote(s) + " in data block (compressed JCAMP forms are not supported)"
}

func errNonNumeric(s string) error {
	return nonNumericError(s)
}

func endsWithExponent(s string) bool {
	last := s[len(s)-1]
	return last == 'e' || last == 'E'
}

func metaFloat(meta map[string]string, key string) (float64, bool) {
	v, ok := meta[key]
	if !ok {
		return 0, false
	}
	f, ok := parseNumber(strings.TrimSpace(v))
	return f, ok
}

func factor(meta map[string]string, key string) float64 {
	if f, ok := metaFloat(meta, key); ok && f != 0 && !math.IsInf(f, 0) {
		return f
	}
	return 1
}

func jcampInstrument(meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		if len(v) > maxInstrumentValue {
			v = v[:maxInstrumentValue]
		}
		out[strings.ToLower(k)] = v
	}
	return out
}
