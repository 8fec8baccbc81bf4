package testutil

import "bytes"

// SampleCSV is a small water-quality table with one out-of-range pH.
const SampleCSV = "id,ph\nS1,7.0\nS2,13.5\n"

// HeaderOnlyCSV has a header row and no data.
const HeaderOnlyCSV = "id,ph\n"

// PEExecutable returns the start of a Windows PE file: the MZ signature,
// a DOS stub message and padding.
func PEExecutable() []byte {
	var b bytes.Buffer
	b.WriteString("MZ")
	b.Write(make([]byte, 62))
	b.WriteString("This program cannot be run in DOS mode.\r\n$")
	b.Write(make([]byte, 128))
	return b.Bytes()
}

// SampleJCAMP is a minimal IR spectrum with a single absorption peak.
const SampleJCAMP = `##TITLE=test spectrum
##JCAMP-DX=4.24
##DATA TYPE=INFRARED SPECTRUM
##XUNITS=1/CM
##YUNITS=ABSORBANCE
##FIRSTX=1000
##LASTX=1009
##NPOINTS=10
##XFACTOR=1
##YFACTOR=0.01
##XYDATA=(X++(Y..Y))
1000 2 3 5 40 90 45 6 3 2
##END=
`
