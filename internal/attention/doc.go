// Package attention synthesizes configuration values from a weighted blend of
// candidates.
//
// A Router embeds the query and every candidate description, blends learned
// adjustments into each candidate's value, scores candidates by scaled dot
// product and normalizes the scores with a softmax. When the resulting
// distribution is flat (high entropy) the weights are recomputed with a much
// softer sharpness so several candidates contribute: combinational mode.
//
// The output value is synthesized field by field. Numeric fields are the
// weighted average over the candidates that define them; every other field
// comes from the highest-weight candidate that defines it.
package attention
